package server

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/rs/zerolog"
)

const (
	repositoryTimeout = 10 * time.Second
	maxChatLength     = 2000
)

type exitReq struct {
	// force exits even when connections remain
	force bool
	done  chan bool
}

type Room struct {
	id            string
	name          string
	context       types.RoomContext
	facilitatorId string
	createdAt     time.Time
	rs            *RoomServer
	log           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// inflight counts background tasks that have not posted their result yet
	inflight atomic.Int64

	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	taskChan      chan func()

	// clients maps each subscribed connection to the identity it joined as
	clients      map[*Client]string
	participants map[string]*participant
	seq          int

	round         int
	revealed      bool
	roundRecorded bool

	issues         []types.IssueStub
	issueIndex     int
	currentIssue   *types.Issue
	issueStatus    string
	votingHistory  []types.VotingRound
	preEstimated   bool
	savedToTracker bool
	analysis       *types.Estimate
	cache          *issueCache
	generation     uint64

	chatBatches map[uint64]struct{}

	// killTimer unloads the room once no connection is left
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(rs *RoomServer, id, name string, rctx types.RoomContext) *Room {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		id:            id,
		name:          name,
		context:       rctx,
		createdAt:     time.Now().UTC(),
		rs:            rs,
		log:           rs.log.With().Str("room", id).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		taskChan:      make(chan func(), 256),
		clients:       make(map[*Client]string),
		participants:  make(map[string]*participant),
		round:         1,
		cache:         newIssueCache(rs.opts.IssueFreshness),
		chatBatches:   make(map[uint64]struct{}),
		killTimer:     time.NewTimer(rs.opts.IdleTimeout),
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
	r.killTimer.Stop()

	return r
}

func (r *Room) start() {
	defer close(r.done)
	r.log.Info().Msg("starting room")

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case task := <-r.taskChan:
			task()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleExit(e) {
				return
			}
		}
	}
}

// handleExit answers an exit request and reports whether the room stopped.
// Joins already queued are handled first, so they either keep the room
// alive or are closed with the rest.
func (r *Room) handleExit(e exitReq) bool {
	for drained := false; !drained; {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		default:
			drained = true
		}
	}

	if !e.force && len(r.clients) > 0 {
		e.done <- false
		return false
	}
	r.handleRoomExit()
	e.done <- true
	return true
}

// runAsync runs work off the room goroutine. The closure work returns, if
// any, is applied back on the room goroutine.
func (r *Room) runAsync(timeout time.Duration, work func(ctx context.Context) func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Add(-1)

		ctx, cancel := context.WithTimeout(r.ctx, timeout)
		defer cancel()

		apply := work(ctx)
		if apply == nil {
			return
		}

		select {
		case r.taskChan <- apply:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Room) handleRoomTimeout() {
	r.log.Info().Msg("room timed out")
	select {
	case r.rs.unloadRoomChan <- unloadRoomRequest{roomId: r.id}:
	default:
		r.log.Warn().Msg("unload channel full, retrying later")
		r.killTimer.Reset(r.rs.opts.IdleTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Info().Msg("room is exiting")
	r.cancel()
	r.killTimer.Stop()

	closed := newError(0, http.StatusGone, "room closed")
	for c := range r.clients {
		c.delRoom(r.id)
		c.queueMessage(closed)
	}
	r.clients = make(map[*Client]string)
}

func (r *Room) handleJoin(msg *ClientMessage) {
	join := msg.Join
	c := msg.client

	if join.IdentityId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "identity id is required"))
		return
	}

	if !c.addRoom(r) {
		r.log.Debug().Str("connection", c.id).Str("identity", join.IdentityId).Msg("join from closed connection dropped")
		if len(r.clients) == 0 {
			r.killTimer.Reset(r.rs.opts.IdleTimeout)
		}
		return
	}

	r.killTimer.Stop()

	isFacilitator := join.IsFacilitator || (r.facilitatorId != "" && r.facilitatorId == join.IdentityId)
	p := r.upsertParticipant(join.IdentityId, c.id, join.DisplayName, isFacilitator, join.isGuest)
	if isFacilitator && r.facilitatorId == "" {
		r.facilitatorId = p.id
	}

	r.clients[c] = p.id

	r.log.Info().
		Str("identity", p.id).
		Str("connection", c.id).
		Bool("guest", join.isGuest).
		Msg("participant joined")

	c.queueMessage(newServerMessage(msg.Id, EventJoined, Joined{
		RoomId:       r.id,
		IdentityId:   p.id,
		ConnectionId: c.id,
		GuestToken:   join.guestToken,
	}))

	r.broadcastState()

	switch {
	case r.currentIssue != nil:
		c.queueMessage(newServerMessage(0, EventIssueChanged, r.issueChanged()))
	case len(r.issues) > 0:
		r.activateIssue(r.issueIndex)
	}
}

// handleLeave unsubscribes a connection. The participant row goes with it
// unless a newer connection has taken the seat over.
func (r *Room) handleLeave(msg *ClientMessage) {
	c := msg.client
	identityId, ok := r.clients[c]
	if !ok {
		r.log.Debug().Str("connection", c.id).Msg("leave from unknown connection")
		return
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if p, ok := r.participants[identityId]; ok && p.kind == types.ParticipantLive && p.connectionId == c.id {
		delete(r.participants, identityId)
		r.log.Info().Str("identity", identityId).Msg("participant left")
	}

	r.broadcastState()

	if len(r.clients) == 0 {
		r.log.Debug().Msg("no connections left, starting kill timer")
		r.killTimer.Reset(r.rs.opts.IdleTimeout)
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	if _, ok := r.clients[msg.client]; !ok {
		msg.client.queueMessage(ErrNotParticipant(msg.Id))
		return
	}

	switch msg.Type {
	case EventSetIssues:
		r.handleSetIssues(msg)
	case EventSelectCard:
		r.handleSelectCard(msg)
	case EventRevealCards:
		r.handleReveal(msg)
	case EventResetRound:
		r.handleReset(msg)
	case EventNextIssue, EventPrevIssue, EventGoToIssue:
		r.handleNavigate(msg)
	case EventAssignPoints:
		r.handleAssignPoints(msg)
	case EventChatMessage:
		r.handleChat(msg)
	default:
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (r *Room) handleSetIssues(msg *ClientMessage) {
	r.setIssues(msg.SetIssues.Issues)
	r.log.Info().Int("issues", len(r.issues)).Msg("issue queue replaced")

	if len(r.issues) == 0 {
		r.dropGhosts()
		r.clearVotes()
		r.revealed = false
		r.roundRecorded = false
		r.generation++
		r.broadcastState()
		return
	}

	r.activateIssue(0)
}

func (r *Room) handleSelectCard(msg *ClientMessage) {
	sc := msg.SelectCard
	identityId := sc.IdentityId
	if identityId == "" {
		identityId = r.clients[msg.client]
	}

	p, ok := r.participants[identityId]
	if !ok || p.kind != types.ParticipantLive || p.connectionId != msg.client.id {
		r.log.Warn().
			Str("identity", identityId).
			Str("connection", msg.client.id).
			Msg("dropping vote for identity not seated on this connection")
		return
	}

	if r.revealed {
		msg.client.queueMessage(ErrBadRequest(msg.Id, "cards are already revealed"))
		return
	}

	p.vote(strings.TrimSpace(sc.Value), time.Now().UTC())

	r.broadcast(newServerMessage(0, EventVoteUpdate, VoteUpdate{
		IdentityId: p.id,
		HasVoted:   p.hasVoted,
	}))
}

func (r *Room) handleReveal(msg *ClientMessage) {
	votes := r.collectVotes()
	average, agreement := summarizeVotes(votes)

	r.revealed = true

	if r.currentIssue != nil && !r.roundRecorded {
		r.recordRound(votes, average, agreement)
		r.roundRecorded = true
	}

	r.log.Info().Int("votes", len(votes)).Int("round", r.round).Msg("cards revealed")

	r.broadcast(newServerMessage(0, EventCardsRevealed, CardsRevealed{
		Round:        r.round,
		Participants: r.participantStates(""),
		CurrentIssue: r.currentIssue,
		Average:      average,
		Agreement:    agreement,
	}))
}

func (r *Room) handleReset(msg *ClientMessage) {
	r.round++
	r.revealed = false
	r.roundRecorded = false
	r.clearVotes()
	r.dropGhosts()

	r.log.Info().Int("round", r.round).Msg("round reset")

	r.broadcast(newServerMessage(0, EventRoundReset, RoundReset{
		Round:        r.round,
		Participants: r.participantStates(""),
	}))
}

func (r *Room) handleNavigate(msg *ClientMessage) {
	var (
		target int
		ok     bool
	)

	switch msg.Type {
	case EventNextIssue:
		target, ok = r.advanceIssue(1, 0)
	case EventPrevIssue:
		target, ok = r.advanceIssue(-1, 0)
	case EventGoToIssue:
		target, ok = r.advanceIssue(0, msg.GoToIssue.Index)
	}

	if !ok {
		msg.client.queueMessage(ErrBadRequest(msg.Id, "issue index out of range"))
		return
	}

	r.activateIssue(target)
}

func (r *Room) handleAssignPoints(msg *ClientMessage) {
	ap := msg.AssignPoints
	c := msg.client

	if ap.IssueKey == "" || ap.Value <= 0 {
		c.queueMessage(ErrBadRequest(msg.Id, "issue key and a positive value are required"))
		return
	}
	if r.rs.tracker == nil {
		c.queueMessage(newError(msg.Id, http.StatusServiceUnavailable, "issue tracker is not configured"))
		return
	}

	key, value := ap.IssueKey, ap.Value
	kind := r.context.EstimationType
	sprintId := r.context.SprintId

	r.runAsync(r.rs.opts.TrackerTimeout, func(ctx context.Context) func() {
		if err := r.rs.tracker.UpdateEstimate(ctx, key, value, kind); err != nil {
			return func() {
				r.log.Error().Err(err).Str("issue", key).Msg("failed to write estimate to tracker")
				c.queueMessage(ErrTrackerUpdate(msg.Id))
			}
		}

		if err := r.rs.db.SaveFinalEstimate(ctx, saveEstimateParams(key, sprintId, value)); err != nil {
			r.log.Error().Err(err).Str("issue", key).Msg("failed to save final estimate")
		}

		return func() { r.applyAssignedPoints(key, value, kind) }
	})
}

func (r *Room) applyAssignedPoints(key string, value float64, kind types.EstimationType) {
	setEstimate := func(issue *types.Issue) {
		if kind == types.EstimateOriginalEstimate {
			seconds := int64(value * 3600)
			issue.TimeEstimate = &seconds
			return
		}
		v := value
		issue.StoryPoints = &v
	}

	r.cache.update(key, setEstimate)

	if r.currentIssue != nil && r.currentIssue.Key == key {
		issue := *r.currentIssue
		setEstimate(&issue)
		r.currentIssue = &issue
		r.savedToTracker = true
	}

	r.log.Info().Str("issue", key).Float64("value", value).Msg("estimate saved to tracker")
	r.broadcastState()
}

func (r *Room) handleChat(msg *ClientMessage) {
	content := strings.TrimSpace(msg.Chat.Content)
	if content == "" || len(content) > maxChatLength {
		msg.client.queueMessage(ErrBadRequest(msg.Id, "chat message must be between 1 and 2000 characters"))
		return
	}

	identityId := r.clients[msg.client]
	senderName := identityId
	if p, ok := r.participants[identityId]; ok && p.name != "" {
		senderName = p.name
	}

	r.broadcast(newServerMessage(0, EventChatMessage, types.ChatMessage{
		RoomId:     r.id,
		SenderId:   identityId,
		SenderName: senderName,
		Content:    content,
		Timestamp:  msg.Timestamp,
	}))

	if r.rs.chat == nil {
		return
	}

	replies := r.rs.chat.AddMessage(r.id, content, identityId, senderName)
	r.runAsync(r.rs.opts.EstimatorTimeout*2, func(ctx context.Context) func() {
		select {
		case reply := <-replies:
			return func() { r.applyChatReply(reply.BatchID, reply.Text) }
		case <-ctx.Done():
			return nil
		}
	})
}

// applyChatReply broadcasts a copilot reply once per batch. Every sender in a
// batch receives the same reply, so later copies are dropped.
func (r *Room) applyChatReply(batchId uint64, text string) {
	if _, seen := r.chatBatches[batchId]; seen {
		return
	}
	if len(r.chatBatches) >= 256 {
		r.chatBatches = make(map[uint64]struct{})
	}
	r.chatBatches[batchId] = struct{}{}

	r.broadcast(newServerMessage(0, EventChatMessage, types.ChatMessage{
		RoomId:     r.id,
		SenderId:   BotIdentityId,
		SenderName: BotDisplayName,
		Content:    text,
		IsBot:      true,
		Timestamp:  Now(),
	}))
}

// snapshot renders the room for viewerId. An empty viewer sees only what
// every participant may see.
func (r *Room) snapshot(viewerId string) types.RoomState {
	issues := make([]types.IssueStub, len(r.issues))
	copy(issues, r.issues)

	state := types.RoomState{
		Version:        types.RoomStateVersion,
		RoomId:         r.id,
		Name:           r.name,
		Context:        r.context,
		Round:          r.round,
		Revealed:       r.revealed,
		IssueIndex:     r.issueIndex,
		IssueCount:     len(r.issues),
		Issues:         issues,
		Participants:   r.participantStates(viewerId),
		SavedToTracker: r.savedToTracker,
	}

	if r.currentIssue != nil {
		issue := *r.currentIssue
		state.CurrentIssue = &issue
	}
	if r.analysis != nil {
		analysis := *r.analysis
		state.AIAnalysis = &analysis
	}

	return state
}

func (r *Room) issueChanged() IssueChanged {
	ic := IssueChanged{
		Index:          r.issueIndex,
		Total:          len(r.issues),
		Status:         r.issueStatus,
		VotingHistory:  r.votingHistory,
		IsPreEstimated: r.preEstimated,
		SavedToTracker: r.savedToTracker,
	}
	if r.currentIssue != nil {
		ic.Issue = *r.currentIssue
	}

	return ic
}

// broadcastState sends every connection its own view of the room.
func (r *Room) broadcastState() {
	for c, identityId := range r.clients {
		c.queueMessage(newServerMessage(0, EventRoomUpdate, r.snapshot(identityId)))
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	r.log.Debug().Str("type", msg.Type).Int("clients", len(r.clients)).Msg("broadcast")
	for c := range r.clients {
		if c == msg.SkipClient {
			continue
		}

		c.queueMessage(msg)
	}
}
