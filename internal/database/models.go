package database

import (
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

// Session is an estimation session created from the dashboard. Its external
// id doubles as the room id and as the guest invite code.
type Session struct {
	Id             int
	ExternalId     string
	Name           string
	FacilitatorId  string
	BoardId        string
	SprintId       string
	EstimationType types.EstimationType
	CreatedAt      time.Time
}

// Ticket is the persisted history of one issue within one sprint.
type Ticket struct {
	Id                int
	IssueKey          string
	SprintId          string
	FinalEstimate     *float64
	FinalEstimateText string
	SavedToTracker    bool
	VotingRounds      []types.VotingRound
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LatestRound returns the most recently appended voting round.
func (t Ticket) LatestRound() (types.VotingRound, bool) {
	if len(t.VotingRounds) == 0 {
		return types.VotingRound{}, false
	}

	return t.VotingRounds[len(t.VotingRounds)-1], true
}

type ChatMessage struct {
	Id         int
	RoomId     string
	SenderId   string
	SenderName string
	Content    string
	IsBot      bool
	CreatedAt  time.Time
}

type SaveEstimateParams struct {
	IssueKey       string
	SprintId       string
	Value          float64
	SavedToTracker bool
}
