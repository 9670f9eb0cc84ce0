package server

import (
	"context"
	"strconv"
	"time"

	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/types"
)

// The copilot's seat identity. Chat replies are posted under the same name.
const (
	BotIdentityId  = "ai-copilot"
	BotDisplayName = "AI Copilot"
)

// ensureBot seats the copilot when an estimator is configured. The seat is
// never removed by disconnects or ghost cleanup.
func (r *Room) ensureBot() {
	if r.rs.estimator == nil {
		return
	}
	if _, ok := r.participants[BotIdentityId]; ok {
		return
	}

	r.seq++
	r.participants[BotIdentityId] = &participant{
		id:   BotIdentityId,
		name: BotDisplayName,
		kind: types.ParticipantBot,
		seq:  r.seq,
	}
}

func (r *Room) requestBotEstimate(gen uint64, issue types.Issue) {
	if r.rs.estimator == nil {
		return
	}

	r.runAsync(r.rs.opts.EstimatorTimeout, func(ctx context.Context) func() {
		r.rs.stats.Incr(stats.EstimatorCalls)
		est, err := r.rs.estimator.Estimate(ctx, issue)
		if err != nil {
			return func() {
				r.log.Warn().Err(err).Str("issue", issue.Key).Msg("copilot estimate failed")
			}
		}

		return func() { r.applyBotEstimate(gen, est) }
	})
}

// applyBotEstimate flips the copilot's card for the activation it was
// requested for. A revealed round keeps its recorded cards.
func (r *Room) applyBotEstimate(gen uint64, est types.Estimate) {
	if gen != r.generation {
		r.log.Debug().Uint64("generation", gen).Msg("discarding stale copilot estimate")
		return
	}

	r.analysis = &est

	bot, ok := r.participants[BotIdentityId]
	if ok && !r.revealed {
		bot.vote(formatPoints(est.Points), time.Now().UTC())
		r.broadcast(newServerMessage(0, EventVoteUpdate, VoteUpdate{
			IdentityId: bot.id,
			HasVoted:   bot.hasVoted,
		}))
	}

	r.broadcastState()
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
