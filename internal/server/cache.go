package server

import (
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

type cacheEntry struct {
	issue     types.Issue
	fetchedAt time.Time
}

// issueCache holds resolved issues for one room. It is only touched from the
// room goroutine.
type issueCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newIssueCache(ttl time.Duration) *issueCache {
	return &issueCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// get returns the cached issue when it is fresh and carries full detail.
func (c *issueCache) get(key string, now time.Time) (types.Issue, bool) {
	e, ok := c.entries[key]
	if !ok {
		return types.Issue{}, false
	}
	if now.Sub(e.fetchedAt) >= c.ttl || e.issue.Shallow() {
		return types.Issue{}, false
	}

	return e.issue, true
}

func (c *issueCache) put(issue types.Issue, fetchedAt time.Time) {
	c.entries[issue.Key] = cacheEntry{issue: issue, fetchedAt: fetchedAt}
}

// update rewrites a cached issue in place without refreshing its age.
func (c *issueCache) update(key string, fn func(*types.Issue)) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	fn(&e.issue)
	c.entries[key] = e
}
