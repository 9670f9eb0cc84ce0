package server

import (
	"sort"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

type participant struct {
	id            string
	connectionId  string
	name          string
	selectedCard  *string
	hasVoted      bool
	votedAt       time.Time
	isFacilitator bool
	isGuest       bool
	kind          types.ParticipantKind
	seq           int
}

func (p *participant) connected() bool {
	return p.kind == types.ParticipantLive || p.kind == types.ParticipantBot
}

func (p *participant) vote(value string, at time.Time) {
	if value == "" {
		p.clearVote()
		return
	}

	v := value
	p.selectedCard = &v
	p.hasVoted = true
	p.votedAt = at
}

func (p *participant) clearVote() {
	p.selectedCard = nil
	p.hasVoted = false
	p.votedAt = time.Time{}
}

// state renders the participant for a viewer. Card values are only included
// once the round is revealed or when the viewer owns the seat.
func (p *participant) state(revealed bool, viewerId string) types.ParticipantState {
	ps := types.ParticipantState{
		Id:            p.id,
		ConnectionId:  p.connectionId,
		Name:          p.name,
		HasVoted:      p.hasVoted,
		IsFacilitator: p.isFacilitator,
		IsGuest:       p.isGuest,
		IsBot:         p.kind == types.ParticipantBot,
		Connected:     p.connected(),
		Kind:          p.kind,
	}

	if p.selectedCard != nil && (revealed || p.id == viewerId) {
		v := *p.selectedCard
		ps.SelectedCard = &v
	}

	return ps
}

// participantList returns the room's participants in join order.
func (r *Room) participantList() []*participant {
	list := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	return list
}

func (r *Room) participantStates(viewerId string) []types.ParticipantState {
	list := r.participantList()
	states := make([]types.ParticipantState, len(list))
	for i, p := range list {
		states[i] = p.state(r.revealed, viewerId)
	}

	return states
}

// upsertParticipant adds a live participant or rebinds an existing one to a
// new connection. A prior vote survives the rebind.
func (r *Room) upsertParticipant(id, connectionId, name string, isFacilitator, isGuest bool) *participant {
	if p, ok := r.participants[id]; ok {
		p.connectionId = connectionId
		if name != "" {
			p.name = name
		}
		p.isFacilitator = p.isFacilitator || isFacilitator
		p.isGuest = isGuest
		if p.kind == types.ParticipantGhost {
			p.kind = types.ParticipantLive
		}
		return p
	}

	r.seq++
	p := &participant{
		id:            id,
		connectionId:  connectionId,
		name:          name,
		isFacilitator: isFacilitator,
		isGuest:       isGuest,
		kind:          types.ParticipantLive,
		seq:           r.seq,
	}
	r.participants[id] = p

	return p
}

func (r *Room) addGhost(vote types.Vote) *participant {
	r.seq++
	p := &participant{
		id:   vote.ParticipantId,
		name: vote.ParticipantName,
		kind: types.ParticipantGhost,
		seq:  r.seq,
	}
	p.vote(vote.Vote, vote.VotedAt)
	r.participants[p.id] = p

	return p
}

// dropGhosts removes history-only rows. Live and bot seats are kept.
func (r *Room) dropGhosts() int {
	dropped := 0
	for id, p := range r.participants {
		if p.kind == types.ParticipantGhost {
			delete(r.participants, id)
			dropped++
		}
	}

	return dropped
}

func (r *Room) clearVotes() {
	for _, p := range r.participants {
		p.clearVote()
	}
}
