package server

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/types"
)

// activateIssue makes the issue at index current. The room switches at once
// to the cached or stub form of the issue and broadcasts it. Tracker detail
// and voting history are loaded in the background and applied only if no
// later activation has happened in the meantime.
func (r *Room) activateIssue(index int) {
	if index < 0 || index >= len(r.issues) {
		return
	}

	if n := r.dropGhosts(); n > 0 {
		r.log.Debug().Int("ghosts", n).Msg("dropped ghost participants")
	}

	stub := r.issues[index]
	r.generation++
	gen := r.generation

	issue, hit := r.cache.get(stub.Key, time.Now())
	if !hit {
		issue = types.StubIssue(stub)
	}

	r.issueIndex = index
	r.currentIssue = &issue
	r.issueStatus = IssueStatusLoading
	r.votingHistory = nil
	r.preEstimated = false
	r.savedToTracker = false
	r.analysis = nil
	r.round = 1
	r.revealed = false
	r.roundRecorded = false
	r.clearVotes()
	r.ensureBot()

	r.log.Info().
		Str("issue", stub.Key).
		Int("index", index).
		Bool("cached", hit).
		Uint64("generation", gen).
		Msg("activating issue")

	r.broadcast(newServerMessage(0, EventIssueChanged, r.issueChanged()))
	r.broadcastState()

	sprintId := r.context.SprintId
	r.runAsync(r.rs.opts.TrackerTimeout, func(ctx context.Context) func() {
		resolved := issue
		fetched := false
		if !hit {
			resolved, fetched = r.fetchIssue(ctx, stub)
		}
		fetchedAt := time.Now()

		ticket, hasTicket := r.lookupTicket(ctx, stub.Key, sprintId)

		return func() {
			if fetched {
				r.cache.put(resolved, fetchedAt)
			}
			r.completeActivation(gen, resolved, ticket, hasTicket)
		}
	})
}

// completeActivation applies the background half of an activation.
func (r *Room) completeActivation(gen uint64, issue types.Issue, ticket database.Ticket, hasTicket bool) {
	if gen != r.generation {
		r.log.Debug().
			Str("issue", issue.Key).
			Uint64("generation", gen).
			Uint64("current", r.generation).
			Msg("discarding stale activation")
		return
	}

	r.currentIssue = &issue
	r.issueStatus = IssueStatusResolved

	var rounds []types.VotingRound
	if hasTicket {
		rounds = ticket.VotingRounds
		r.savedToTracker = ticket.SavedToTracker
		if latest, ok := ticket.LatestRound(); ok {
			r.replayRound(latest)
		}
	}

	r.votingHistory = rounds
	r.preEstimated = issue.HasEstimate() && len(rounds) == 0

	r.broadcast(newServerMessage(0, EventIssueChanged, r.issueChanged()))
	r.broadcastState()

	r.requestBotEstimate(gen, issue)
	r.prefetch(r.issueIndex + 1)
}

// replayRound shows a previously recorded reveal. Votes go back onto seated
// participants; voters who are gone come back as ghosts.
func (r *Room) replayRound(round types.VotingRound) {
	r.revealed = true
	r.roundRecorded = true
	if round.RoundNumber > 0 {
		r.round = round.RoundNumber
	}

	for _, v := range round.Votes {
		if p, ok := r.participants[v.ParticipantId]; ok {
			p.vote(v.Vote, v.VotedAt)
			if p.name == "" {
				p.name = v.ParticipantName
			}
			continue
		}
		r.addGhost(v)
	}

	r.log.Debug().Int("votes", len(round.Votes)).Int("round", round.RoundNumber).Msg("replayed voting round")
}

// fetchIssue loads tracker detail for stub. On any failure the stub itself is
// returned with ok false.
func (r *Room) fetchIssue(ctx context.Context, stub types.IssueStub) (types.Issue, bool) {
	fallback := types.StubIssue(stub)
	if r.rs.tracker == nil {
		return fallback, false
	}

	r.rs.stats.Incr(stats.TrackerFetches)
	issue, err := r.rs.tracker.FetchIssue(ctx, stub.Key)
	if err != nil {
		r.rs.stats.Incr(stats.TrackerFailures)
		r.log.Warn().Err(err).Str("issue", stub.Key).Msg("tracker fetch failed, using stub")
		return fallback, false
	}

	if issue.Key == "" {
		issue.Key = stub.Key
	}
	if issue.Id == "" {
		issue.Id = stub.Id
	}
	if issue.Summary == "" {
		issue.Summary = stub.Summary
	}

	return issue, true
}

// lookupTicket returns the persisted history for the issue, if any. Lookup
// failures are treated as no history.
func (r *Room) lookupTicket(ctx context.Context, key, sprintId string) (database.Ticket, bool) {
	ticket, err := r.rs.db.FindTicketByKey(ctx, key, sprintId)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Warn().Err(err).Str("issue", key).Msg("voting history lookup failed")
		}
		return database.Ticket{}, false
	}

	return ticket, true
}

// prefetch warms the cache with the issue at index.
func (r *Room) prefetch(index int) {
	if r.rs.tracker == nil || index < 0 || index >= len(r.issues) {
		return
	}

	stub := r.issues[index]
	if _, hit := r.cache.get(stub.Key, time.Now()); hit {
		return
	}

	r.runAsync(r.rs.opts.TrackerTimeout, func(ctx context.Context) func() {
		issue, ok := r.fetchIssue(ctx, stub)
		if !ok {
			return nil
		}
		fetchedAt := time.Now()

		return func() {
			r.cache.put(issue, fetchedAt)
			r.log.Debug().Str("issue", issue.Key).Msg("prefetched issue")
		}
	})
}
