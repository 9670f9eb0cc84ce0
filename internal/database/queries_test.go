package database

import (
	"database/sql"
	"testing"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_encodeDecodeVotes(t *testing.T) {
	votedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	votes := []types.Vote{
		{ParticipantId: "f1", ParticipantName: "Fran", Vote: "5", VotedAt: votedAt},
		{ParticipantId: "g1", ParticipantName: "Gus", Vote: "8", VotedAt: votedAt},
	}

	raw, err := encodeVotes(votes)
	assert.NoError(t, err, "expected no error encoding votes")

	decoded, err := decodeVotes(raw)
	assert.NoError(t, err, "expected no error decoding votes")
	assert.Equal(t, votes, decoded, "expected votes to survive a round trip")
}

func Test_encodeVotes_nil(t *testing.T) {
	raw, err := encodeVotes(nil)
	assert.NoError(t, err)
	assert.Equal(t, "[]", string(raw), "expected nil votes to encode as an empty array")
}

func Test_decodeVotes(t *testing.T) {
	tcases := []struct {
		name    string
		raw     []byte
		want    int
		wantErr bool
	}{
		{name: "empty column", raw: nil, want: 0},
		{name: "empty array", raw: []byte("[]"), want: 0},
		{name: "one vote", raw: []byte(`[{"participantId":"a","participantName":"A","vote":"3"}]`), want: 1},
		{name: "malformed", raw: []byte("{"), wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			votes, err := decodeVotes(tc.raw)
			if tc.wantErr {
				assert.Error(t, err, "expected error for %s", tc.name)
				return
			}
			assert.NoError(t, err)
			assert.Len(t, votes, tc.want)
		})
	}
}

func Test_nullFloat(t *testing.T) {
	assert.Nil(t, nullFloat(sql.NullFloat64{}), "expected nil for invalid value")

	v := nullFloat(sql.NullFloat64{Float64: 3.5, Valid: true})
	if assert.NotNil(t, v) {
		assert.Equal(t, 3.5, *v)
	}
}

func TestTicketLatestRound(t *testing.T) {
	_, ok := Ticket{}.LatestRound()
	assert.False(t, ok, "expected no latest round on empty ticket")

	ticket := Ticket{VotingRounds: []types.VotingRound{{RoundNumber: 1}, {RoundNumber: 2}}}
	latest, ok := ticket.LatestRound()
	assert.True(t, ok)
	assert.Equal(t, 2, latest.RoundNumber, "expected the last appended round")
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 2, "expected one up and one down migration")
}
