package server

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/types"
)

// collectVotes returns the cast votes in seat order.
func (r *Room) collectVotes() []types.Vote {
	votes := make([]types.Vote, 0, len(r.participants))
	for _, p := range r.participantList() {
		if !p.hasVoted || p.selectedCard == nil {
			continue
		}

		votes = append(votes, types.Vote{
			ParticipantId:   p.id,
			ParticipantName: p.name,
			Vote:            *p.selectedCard,
			VotedAt:         p.votedAt,
		})
	}

	return votes
}

// summarizeVotes returns the mean of the numeric votes and the share of
// numeric votes equal to the most common value. Both are nil when no vote is
// numeric.
func summarizeVotes(votes []types.Vote) (*float64, *float64) {
	counts := make(map[float64]int)
	sum := 0.0
	n := 0
	for _, v := range votes {
		f, err := strconv.ParseFloat(v.Vote, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		counts[f]++
		sum += f
		n++
	}

	if n == 0 {
		return nil, nil
	}

	mode := 0
	for _, c := range counts {
		if c > mode {
			mode = c
		}
	}

	average := math.Round(sum/float64(n)*100) / 100
	agreement := math.Round(float64(mode)/float64(n)*100) / 100

	return &average, &agreement
}

// recordRound appends the reveal to the ticket history in the background.
// A failed write is logged and counted; the reveal already went out.
func (r *Room) recordRound(votes []types.Vote, average, agreement *float64) {
	round := types.VotingRound{
		RoundNumber: r.round,
		Votes:       votes,
		Average:     average,
		Agreement:   agreement,
		RevealedAt:  time.Now().UTC(),
	}
	key := r.currentIssue.Key
	sprintId := r.context.SprintId
	gen := r.generation

	r.runAsync(repositoryTimeout, func(ctx context.Context) func() {
		if err := r.rs.db.AppendVotingRound(ctx, key, sprintId, round); err != nil {
			r.rs.stats.Incr(stats.VotingRoundFailures)
			r.log.Error().Err(err).Str("issue", key).Int("round", round.RoundNumber).Msg("failed to record voting round")
			return nil
		}
		r.rs.stats.Incr(stats.VotingRoundsRecorded)

		return func() {
			if gen != r.generation {
				return
			}
			r.votingHistory = append(r.votingHistory, round)
			r.preEstimated = false
		}
	})
}

func saveEstimateParams(key, sprintId string, value float64) database.SaveEstimateParams {
	return database.SaveEstimateParams{
		IssueKey:       key,
		SprintId:       sprintId,
		Value:          value,
		SavedToTracker: true,
	}
}
