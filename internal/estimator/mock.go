package estimator

import (
	"context"

	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Estimate(ctx context.Context, issue types.Issue) (types.Estimate, error) {
	args := m.Called(ctx, issue)
	return args.Get(0).(types.Estimate), args.Error(1)
}
func (m *MockClient) Chat(ctx context.Context, history []Message) (string, error) {
	args := m.Called(ctx, history)
	return args.String(0), args.Error(1)
}
