// Package tracker talks to the issue tracker that owns the work items being
// estimated.
package tracker

import (
	"context"
	"errors"

	"github.com/npezzotti/pointing-poker/internal/types"
)

var ErrIssueNotFound = errors.New("issue not found")

// Client is what the rooms need from the tracker: a full issue fetch and a
// write-back of the agreed estimate.
type Client interface {
	FetchIssue(ctx context.Context, key string) (types.Issue, error)
	UpdateEstimate(ctx context.Context, key string, value float64, kind types.EstimationType) error
}
