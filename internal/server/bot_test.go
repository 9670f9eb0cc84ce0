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

func findParticipant(states []types.ParticipantState, id string) (types.ParticipantState, bool) {
	for _, ps := range states {
		if ps.Id == id {
			return ps, true
		}
	}
	return types.ParticipantState{}, false
}

func TestBot_estimateFlipsCard(t *testing.T) {
	est := &estimator.MockClient{}
	defer est.AssertExpectations(t)
	est.On("Estimate", mock.Anything, mock.MatchedBy(func(i types.Issue) bool { return i.Key == "A" })).
		Return(types.Estimate{Points: 5, Confidence: types.ConfidenceHigh, Reasoning: "well scoped"}, nil).Once()
	repo := &database.MockRepository{}
	defer repo.AssertExpectations(t)
	noHistory(repo)
	repo.On("AppendVotingRound", mock.Anything, "A", "", mock.MatchedBy(func(round types.VotingRound) bool {
		return len(round.Votes) == 1 && round.Votes[0].ParticipantId == BotIdentityId && round.Votes[0].Vote == "5"
	})).Return(nil).Once()

	rs := newTestRoomServer(t, Dependencies{Repo: repo, Estimator: est})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	c := newTestClient(rs)
	joinRoom(r, c, "F", "Fran", true)

	setIssues(r, c, "A")
	settle(t, r)

	bot := r.participants[BotIdentityId]
	if assert.NotNil(t, bot, "expected copilot seat") {
		assert.Equal(t, types.ParticipantBot, bot.kind)
		assert.True(t, bot.hasVoted)
		assert.Equal(t, "5", *bot.selectedCard)
	}

	msgs := drain(c)
	updates := ofType(msgs, EventVoteUpdate)
	if assert.NotEmpty(t, updates) {
		vu := updates[len(updates)-1].Payload.(VoteUpdate)
		assert.Equal(t, BotIdentityId, vu.IdentityId)
		assert.True(t, vu.HasVoted)
	}

	state := lastState(t, msgs)
	if assert.NotNil(t, state.AIAnalysis) {
		assert.Equal(t, 5.0, state.AIAnalysis.Points)
		assert.Equal(t, "well scoped", state.AIAnalysis.Reasoning)
	}

	ps, ok := findParticipant(state.Participants, BotIdentityId)
	if assert.True(t, ok) {
		assert.True(t, ps.HasVoted)
		assert.True(t, ps.IsBot)
		assert.True(t, ps.Connected)
		assert.Nil(t, ps.SelectedCard, "expected copilot card hidden before reveal")
	}

	roomAction(r, c, EventRevealCards)
	settle(t, r)
	assert.Len(t, r.votingHistory, 1, "expected the reveal to be recorded once")
	revealed := ofType(drain(c), EventCardsRevealed)
	if assert.Len(t, revealed, 1) {
		ps, _ := findParticipant(revealed[0].Payload.(CardsRevealed).Participants, BotIdentityId)
		if assert.NotNil(t, ps.SelectedCard) {
			assert.Equal(t, "5", *ps.SelectedCard)
		}
	}
}

func TestBot_estimateFailure(t *testing.T) {
	est := &estimator.MockClient{}
	est.On("Estimate", mock.Anything, mock.Anything).Return(types.Estimate{}, errors.New("rate limited"))
	repo := &database.MockRepository{}
	noHistory(repo)

	rs := newTestRoomServer(t, Dependencies{Repo: repo, Estimator: est})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	c := newTestClient(rs)
	joinRoom(r, c, "F", "Fran", true)

	setIssues(r, c, "A")
	settle(t, r)

	assert.False(t, r.participants[BotIdentityId].hasVoted)
	assert.Nil(t, r.analysis)
	assert.Equal(t, IssueStatusResolved, r.issueStatus)
}

func TestBot_staleEstimateIgnored(t *testing.T) {
	rs := newTestRoomServer(t, Dependencies{Estimator: &estimator.MockClient{}})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	r.ensureBot()

	r.generation = 3
	r.applyBotEstimate(2, types.Estimate{Points: 8})

	assert.Nil(t, r.analysis, "expected stale analysis to be dropped")
	assert.False(t, r.participants[BotIdentityId].hasVoted)
}

func TestBot_revealedRoundKeepsCards(t *testing.T) {
	rs := newTestRoomServer(t, Dependencies{Estimator: &estimator.MockClient{}})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	r.ensureBot()
	r.revealed = true

	r.applyBotEstimate(r.generation, types.Estimate{Points: 3, Reasoning: "small"})

	assert.NotNil(t, r.analysis, "expected analysis to be stored")
	assert.False(t, r.participants[BotIdentityId].hasVoted, "expected no vote after reveal")
}

func TestBot_survivesDisconnects(t *testing.T) {
	est := &estimator.MockClient{}
	est.On("Estimate", mock.Anything, mock.Anything).Return(types.Estimate{Points: 2}, nil)
	repo := &database.MockRepository{}
	noHistory(repo)

	rs := newTestRoomServer(t, Dependencies{Repo: repo, Estimator: est})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	c := newTestClient(rs)
	joinRoom(r, c, "F", "Fran", true)
	setIssues(r, c, "A", "B")
	settle(t, r)

	r.handleLeave(&ClientMessage{Type: EventLeaveRoom, client: c})
	assert.NotContains(t, r.participants, "F")
	assert.Contains(t, r.participants, BotIdentityId, "expected copilot to stay seated")

	c2 := newTestClient(rs)
	joinRoom(r, c2, "G", "Gus", true)
	roomAction(r, c2, EventNextIssue)
	settle(t, r)

	assert.Contains(t, r.participants, BotIdentityId, "expected copilot to survive navigation")
	assert.Len(t, r.participants, 2)
}

func TestBot_noEstimatorNoSeat(t *testing.T) {
	repo := &database.MockRepository{}
	noHistory(repo)

	rs := newTestRoomServer(t, Dependencies{Repo: repo})
	r := newTestRoom(t, rs, "R1", types.RoomContext{})
	c := newTestClient(rs)
	joinRoom(r, c, "F", "Fran", true)
	setIssues(r, c, "A")
	settle(t, r)

	assert.NotContains(t, r.participants, BotIdentityId)
}

func Test_formatPoints(t *testing.T) {
	tcases := []struct {
		in   float64
		want string
	}{
		{in: 0.5, want: "0.5"},
		{in: 3, want: "3"},
		{in: 13, want: "13"},
	}

	for _, tc := range tcases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, formatPoints(tc.in))
		})
	}
}
