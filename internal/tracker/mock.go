package tracker

import (
	"context"

	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) FetchIssue(ctx context.Context, key string) (types.Issue, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(types.Issue), args.Error(1)
}
func (m *MockClient) UpdateEstimate(ctx context.Context, key string, value float64, kind types.EstimationType) error {
	args := m.Called(ctx, key, value, kind)
	return args.Error(0)
}
