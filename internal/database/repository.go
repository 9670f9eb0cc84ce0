package database

import (
	"context"

	"github.com/npezzotti/pointing-poker/internal/types"
)

// Repository is the durable store behind the estimation rooms. Lookups that
// find nothing return sql.ErrNoRows.
type Repository interface {
	Ping() error
	GetSessionByExternalId(ctx context.Context, externalId string) (Session, error)
	FindTicketByKey(ctx context.Context, issueKey, sprintId string) (Ticket, error)
	AppendVotingRound(ctx context.Context, issueKey, sprintId string, round types.VotingRound) error
	SaveFinalEstimate(ctx context.Context, params SaveEstimateParams) error
	CreateChatMessage(ctx context.Context, msg ChatMessage) error
	RecentChatMessages(ctx context.Context, roomId string, limit int) ([]ChatMessage, error)
}
