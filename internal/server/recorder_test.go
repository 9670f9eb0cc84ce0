package server

import (
	"errors"
	"testing"

	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/estimator"
	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestRecordRound(t *testing.T) {
	t.Run("records every cast vote", func(t *testing.T) {
		est := &estimator.MockClient{}
		// copilot never answers within the round
		est.On("Estimate", mock.Anything, mock.Anything).Return(types.Estimate{}, errors.New("timeout"))

		var recorded types.VotingRound
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)
		noHistory(repo)
		repo.On("AppendVotingRound", mock.Anything, "A", "S1", mock.AnythingOfType("types.VotingRound")).
			Run(func(args mock.Arguments) { recorded = args.Get(3).(types.VotingRound) }).
			Return(nil).Once()

		rs := newTestRoomServer(t, Dependencies{Repo: repo, Estimator: est})
		r := newTestRoom(t, rs, "R1", types.RoomContext{SprintId: "S1"})
		cf, cg := newTestClient(rs), newTestClient(rs)
		joinRoom(r, cf, "F", "Fran", true)
		joinRoom(r, cg, "G", "Gus", false)
		setIssues(r, cf, "A")
		settle(t, r)

		selectCard(r, cf, "F", "5")
		selectCard(r, cg, "G", "8")
		roomAction(r, cf, EventRevealCards)
		settle(t, r)

		assert.Equal(t, 1, recorded.RoundNumber)
		if assert.Len(t, recorded.Votes, 2, "expected one vote per voter, excluding the unvoted copilot") {
			assert.Equal(t, "F", recorded.Votes[0].ParticipantId)
			assert.Equal(t, "5", recorded.Votes[0].Vote)
			assert.Equal(t, "G", recorded.Votes[1].ParticipantId)
			assert.Equal(t, "8", recorded.Votes[1].Vote)
		}
		if assert.NotNil(t, recorded.Average) {
			assert.Equal(t, 6.5, *recorded.Average)
		}
		assert.Len(t, r.votingHistory, 1, "expected history to include the new round")
	})

	t.Run("copilot vote is recorded", func(t *testing.T) {
		est := &estimator.MockClient{}
		est.On("Estimate", mock.Anything, mock.Anything).Return(types.Estimate{Points: 3}, nil)

		var recorded types.VotingRound
		repo := &database.MockRepository{}
		noHistory(repo)
		repo.On("AppendVotingRound", mock.Anything, "A", "", mock.Anything).
			Run(func(args mock.Arguments) { recorded = args.Get(3).(types.VotingRound) }).
			Return(nil).Once()

		rs := newTestRoomServer(t, Dependencies{Repo: repo, Estimator: est})
		r := newTestRoom(t, rs, "R1", types.RoomContext{})
		c := newTestClient(rs)
		joinRoom(r, c, "F", "Fran", true)
		setIssues(r, c, "A")
		settle(t, r)

		selectCard(r, c, "F", "3")
		roomAction(r, c, EventRevealCards)
		settle(t, r)

		assert.Len(t, recorded.Votes, 2)
		if assert.NotNil(t, recorded.Agreement) {
			assert.Equal(t, 1.0, *recorded.Agreement)
		}
	})

	t.Run("double reveal records once", func(t *testing.T) {
		repo := &database.MockRepository{}
		noHistory(repo)
		repo.On("AppendVotingRound", mock.Anything, "A", "", mock.Anything).Return(nil).Once()

		rs := newTestRoomServer(t, Dependencies{Repo: repo})
		r := newTestRoom(t, rs, "R1", types.RoomContext{})
		c := newTestClient(rs)
		joinRoom(r, c, "F", "Fran", true)
		setIssues(r, c, "A")
		settle(t, r)

		selectCard(r, c, "F", "2")
		roomAction(r, c, EventRevealCards)
		roomAction(r, c, EventRevealCards)
		settle(t, r)

		repo.AssertNumberOfCalls(t, "AppendVotingRound", 1)
		assert.Len(t, ofType(drain(c), EventCardsRevealed), 2, "expected every reveal to be broadcast")
	})

	t.Run("new round records again", func(t *testing.T) {
		repo := &database.MockRepository{}
		noHistory(repo)
		repo.On("AppendVotingRound", mock.Anything, "A", "", mock.Anything).Return(nil).Twice()

		rs := newTestRoomServer(t, Dependencies{Repo: repo})
		r := newTestRoom(t, rs, "R1", types.RoomContext{})
		c := newTestClient(rs)
		joinRoom(r, c, "F", "Fran", true)
		setIssues(r, c, "A")
		settle(t, r)

		selectCard(r, c, "F", "2")
		roomAction(r, c, EventRevealCards)
		roomAction(r, c, EventResetRound)
		selectCard(r, c, "F", "3")
		roomAction(r, c, EventRevealCards)
		settle(t, r)

		repo.AssertNumberOfCalls(t, "AppendVotingRound", 2)
		rounds := make([]int, 0, len(r.votingHistory))
		for _, vr := range r.votingHistory {
			rounds = append(rounds, vr.RoundNumber)
		}
		assert.ElementsMatch(t, []int{1, 2}, rounds)
	})

	t.Run("persistence failure still reveals", func(t *testing.T) {
		repo := &database.MockRepository{}
		noHistory(repo)
		repo.On("AppendVotingRound", mock.Anything, "A", "", mock.Anything).Return(errors.New("disk full"))

		rs := newTestRoomServer(t, Dependencies{Repo: repo})
		r := newTestRoom(t, rs, "R1", types.RoomContext{})
		c := newTestClient(rs)
		joinRoom(r, c, "F", "Fran", true)
		setIssues(r, c, "A")
		settle(t, r)
		drain(c)

		selectCard(r, c, "F", "2")
		roomAction(r, c, EventRevealCards)
		settle(t, r)

		assert.True(t, r.revealed)
		assert.Len(t, ofType(drain(c), EventCardsRevealed), 1)
		assert.Empty(t, r.votingHistory)
	})

	t.Run("no current issue", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)

		rs := newTestRoomServer(t, Dependencies{Repo: repo})
		r := newTestRoom(t, rs, "R1", types.RoomContext{})
		c := newTestClient(rs)
		joinRoom(r, c, "F", "Fran", true)

		selectCard(r, c, "F", "2")
		roomAction(r, c, EventRevealCards)
		settle(t, r)

		assert.True(t, r.revealed)
		repo.AssertNotCalled(t, "AppendVotingRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func Test_summarizeVotes(t *testing.T) {
	votes := func(values ...string) []types.Vote {
		out := make([]types.Vote, len(values))
		for i, v := range values {
			out[i] = types.Vote{ParticipantId: string(rune('a' + i)), Vote: v}
		}
		return out
	}

	tcases := []struct {
		name      string
		votes     []types.Vote
		average   *float64
		agreement *float64
	}{
		{name: "no votes", votes: nil},
		{name: "only non-numeric", votes: votes("?", "coffee")},
		{name: "unanimous", votes: votes("5", "5", "5"), average: ptr(5), agreement: ptr(1)},
		{name: "split", votes: votes("5", "8"), average: ptr(6.5), agreement: ptr(0.5)},
		{name: "non-numeric ignored", votes: votes("3", "?", "3", "5"), average: ptr(3.67), agreement: ptr(0.67)},
		{name: "fractional", votes: votes("0.5", "1", "1"), average: ptr(0.83), agreement: ptr(0.67)},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			average, agreement := summarizeVotes(tc.votes)
			assert.Equal(t, tc.average, average)
			assert.Equal(t, tc.agreement, agreement)
		})
	}
}

func Test_saveEstimateParams(t *testing.T) {
	params := saveEstimateParams("A", "S1", 5)
	assert.Equal(t, database.SaveEstimateParams{
		IssueKey:       "A",
		SprintId:       "S1",
		Value:          5,
		SavedToTracker: true,
	}, params)
}
