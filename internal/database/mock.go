package database

import (
	"context"

	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetSessionByExternalId(ctx context.Context, externalId string) (Session, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockRepository) FindTicketByKey(ctx context.Context, issueKey, sprintId string) (Ticket, error) {
	args := m.Called(ctx, issueKey, sprintId)
	return args.Get(0).(Ticket), args.Error(1)
}
func (m *MockRepository) AppendVotingRound(ctx context.Context, issueKey, sprintId string, round types.VotingRound) error {
	args := m.Called(ctx, issueKey, sprintId, round)
	return args.Error(0)
}
func (m *MockRepository) SaveFinalEstimate(ctx context.Context, params SaveEstimateParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockRepository) CreateChatMessage(ctx context.Context, msg ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockRepository) RecentChatMessages(ctx context.Context, roomId string, limit int) ([]ChatMessage, error) {
	args := m.Called(ctx, roomId, limit)
	return args.Get(0).([]ChatMessage), args.Error(1)
}
