package server

import (
	"sort"
	"sync"

	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/types"
)

// roomStore is the process-wide table of live rooms. Room state itself is
// owned by each room's goroutine; the store only indexes rooms by id.
type roomStore struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func newRoomStore() *roomStore {
	return &roomStore{rooms: make(map[string]*Room)}
}

func (s *roomStore) add(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[r.id] = r
}

func (s *roomStore) get(roomId string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rooms[roomId]
}

func (s *roomStore) remove(roomId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomId]; !ok {
		return false
	}

	delete(s.rooms, roomId)
	return true
}

func (s *roomStore) all() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}

	return rooms
}

// list returns summaries of the live rooms, newest first.
func (s *roomStore) list() []types.RoomSummary {
	rooms := s.all()
	summaries := make([]types.RoomSummary, len(rooms))
	for i, r := range rooms {
		summaries[i] = types.RoomSummary{
			RoomId:    r.id,
			Name:      r.name,
			CreatedAt: r.createdAt,
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	return summaries
}

// createRoom registers a room seeded with its facilitator. An empty
// connectionId registers the facilitator id without a seat, which is the case
// when a guest opens the room from a session link.
func (rs *RoomServer) createRoom(roomId, facilitatorId, connectionId, name string, rctx types.RoomContext) *Room {
	if rctx.EstimationType == "" {
		rctx.EstimationType = types.DefaultEstimationType
	}

	r := newRoom(rs, roomId, name, rctx)
	r.facilitatorId = facilitatorId
	if facilitatorId != "" && connectionId != "" {
		r.upsertParticipant(facilitatorId, connectionId, "", true, false)
	}

	rs.store.add(r)
	rs.stats.Incr(stats.ActiveRooms)

	return r
}

func (rs *RoomServer) getRoom(roomId string) *Room {
	return rs.store.get(roomId)
}

// setIssues replaces the issue queue and rewinds the cursor.
func (r *Room) setIssues(stubs []types.IssueStub) {
	r.issues = make([]types.IssueStub, 0, len(stubs))
	for _, s := range stubs {
		if s.Key == "" {
			continue
		}
		r.issues = append(r.issues, s)
	}

	r.issueIndex = 0
	r.currentIssue = nil
	r.issueStatus = ""
	r.votingHistory = nil
	r.preEstimated = false
	r.savedToTracker = false
	r.analysis = nil
}

// advanceIssue resolves the target of a navigation: the cursor moved by
// delta, or index when delta is zero. Targets outside the queue are rejected.
func (r *Room) advanceIssue(delta, index int) (int, bool) {
	target := index
	if delta != 0 {
		target = r.issueIndex + delta
	}

	if target < 0 || target >= len(r.issues) {
		return r.issueIndex, false
	}

	r.issueIndex = target
	return target, true
}
