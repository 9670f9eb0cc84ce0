// Package estimator produces the copilot's independent estimate of an issue
// and answers chat in the room.
package estimator

import (
	"context"

	"github.com/npezzotti/pointing-poker/internal/types"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Estimate(ctx context.Context, issue types.Issue) (types.Estimate, error)
	Chat(ctx context.Context, history []Message) (string, error)
}

// Deck is the card deck the bot snaps its estimate to.
var Deck = []float64{0.5, 1, 2, 3, 5, 8, 13, 21}

// SnapToDeck returns the deck card closest to v. A value halfway between two
// cards snaps to the larger one.
func SnapToDeck(v float64) float64 {
	best := Deck[0]
	for _, card := range Deck[1:] {
		if abs(card-v) <= abs(best-v) {
			best = card
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
