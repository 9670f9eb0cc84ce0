package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/pointing-poker/internal/chat"
	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/estimator"
	"github.com/npezzotti/pointing-poker/internal/guest"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/tracker"
	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/rs/zerolog"
)

var ErrNoSuchRoom = errors.New("room not found")

// ChatBatcher is the part of the chat batcher the rooms use.
type ChatBatcher interface {
	AddMessage(roomId, text, senderId, senderName string) <-chan chat.Reply
}

type Options struct {
	IssueFreshness   time.Duration
	IdleTimeout      time.Duration
	TrackerTimeout   time.Duration
	EstimatorTimeout time.Duration
}

// Dependencies are the collaborators shared by every room. Tracker,
// Estimator, Chat and Guests may be nil, which disables the matching feature.
type Dependencies struct {
	Repo      database.Repository
	Tracker   tracker.Client
	Estimator estimator.Client
	Chat      ChatBatcher
	Guests    *guest.Issuer
	Stats     stats.StatsProvider
}

type unloadRoomRequest struct {
	roomId string
}

type stopRequest struct {
	done chan struct{}
}

type RoomServer struct {
	log            zerolog.Logger
	opts           Options
	db             database.Repository
	tracker        tracker.Client
	estimator      estimator.Client
	chat           ChatBatcher
	guests         *guest.Issuer
	stats          stats.StatsProvider
	store          *roomStore
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopRequest
	done           chan struct{}
}

func NewRoomServer(logger zerolog.Logger, opts Options, deps Dependencies) (*RoomServer, error) {
	if deps.Repo == nil {
		return nil, errors.New("room server requires a repository")
	}
	if deps.Stats == nil {
		return nil, errors.New("room server requires a stats provider")
	}

	if opts.IssueFreshness <= 0 {
		opts.IssueFreshness = 5 * time.Minute
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.TrackerTimeout <= 0 {
		opts.TrackerTimeout = 15 * time.Second
	}
	if opts.EstimatorTimeout <= 0 {
		opts.EstimatorTimeout = time.Minute
	}

	for _, m := range stats.Metrics {
		deps.Stats.RegisterMetric(m)
	}

	return &RoomServer{
		log:            logger.With().Str("module", "rooms").Logger(),
		opts:           opts,
		db:             deps.Repo,
		tracker:        deps.Tracker,
		estimator:      deps.Estimator,
		chat:           deps.Chat,
		guests:         deps.Guests,
		stats:          deps.Stats,
		store:          newRoomStore(),
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		stop:           make(chan stopRequest),
		done:           make(chan struct{}),
	}, nil
}

func (rs *RoomServer) Run() {
	defer close(rs.done)

	for {
		select {
		case joinMsg := <-rs.joinChan:
			rs.handleJoinRoom(joinMsg)
		case c := <-rs.registerChan:
			rs.addClient(c)
		case c := <-rs.deRegisterChan:
			rs.removeClient(c)
		case req := <-rs.unloadRoomChan:
			rs.unloadRoom(req.roomId)
		case req := <-rs.stop:
			rs.log.Info().Msg("shutting down rooms")
			rs.unloadAllRooms()
			rs.stopClients()
			close(req.done)
			return
		}
	}
}

// handleJoinRoom routes a join to its room, creating the room when the joiner
// may open it.
func (rs *RoomServer) handleJoinRoom(msg *ClientMessage) {
	join := msg.Join
	r := rs.getRoom(join.RoomId)
	if r == nil {
		if !join.IsFacilitator && !join.isGuest {
			msg.client.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}

		facilitatorId := ""
		connectionId := ""
		if join.IsFacilitator {
			facilitatorId = join.IdentityId
			connectionId = msg.client.id
		} else {
			facilitatorId = join.facilitatorId
		}

		name := join.RoomName
		if name == "" {
			name = join.RoomId
		}

		r = rs.createRoom(join.RoomId, facilitatorId, connectionId, name, join.Context)
		rs.log.Info().Str("room", r.id).Str("identity", join.IdentityId).Msg("room created")
		go r.start()
	}

	select {
	case r.joinChan <- msg:
	default:
		rs.log.Warn().Str("room", r.id).Msg("join channel full")
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (rs *RoomServer) unloadRoom(roomId string) {
	r := rs.getRoom(roomId)
	if r == nil {
		return
	}

	req := exitReq{done: make(chan bool, 1)}
	select {
	case r.exit <- req:
	case <-r.done:
	}

	select {
	case exited := <-req.done:
		if !exited {
			rs.log.Debug().Str("room", roomId).Msg("room became active again, keeping it")
			return
		}
	case <-r.done:
	}

	if rs.store.remove(roomId) {
		rs.stats.Decr(stats.ActiveRooms)
		rs.log.Info().Str("room", roomId).Msg("room unloaded")
	}
}

func (rs *RoomServer) unloadAllRooms() {
	for _, r := range rs.store.all() {
		req := exitReq{force: true, done: make(chan bool, 1)}
		select {
		case r.exit <- req:
			<-r.done
		case <-r.done:
		}

		if rs.store.remove(r.id) {
			rs.stats.Decr(stats.ActiveRooms)
		}
	}
}

func (rs *RoomServer) addClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()

	rs.clients[c] = struct{}{}
	rs.stats.Incr(stats.ConnectedClients)
}

func (rs *RoomServer) removeClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()

	if _, ok := rs.clients[c]; !ok {
		return
	}

	delete(rs.clients, c)
	rs.stats.Decr(stats.ConnectedClients)
}

func (rs *RoomServer) stopClients() {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()

	for c := range rs.clients {
		c.stopClient()
	}
}

// RegisterClient hands a freshly upgraded connection to the server.
func (rs *RoomServer) RegisterClient(c *Client) {
	select {
	case rs.registerChan <- c:
	case <-rs.done:
	}
}

func (rs *RoomServer) deRegisterClient(c *Client) {
	select {
	case rs.deRegisterChan <- c:
	case <-rs.done:
	}
}

// Rooms lists the live rooms.
func (rs *RoomServer) Rooms() []types.RoomSummary {
	return rs.store.list()
}

// RoomState returns the current snapshot of a room, read on the room's own
// goroutine.
func (rs *RoomServer) RoomState(ctx context.Context, roomId string) (types.RoomState, error) {
	r := rs.getRoom(roomId)
	if r == nil {
		return types.RoomState{}, ErrNoSuchRoom
	}

	result := make(chan types.RoomState, 1)
	task := func() { result <- r.snapshot("") }

	select {
	case r.taskChan <- task:
	case <-r.done:
		return types.RoomState{}, ErrNoSuchRoom
	case <-ctx.Done():
		return types.RoomState{}, ctx.Err()
	}

	select {
	case state := <-result:
		return state, nil
	case <-r.done:
		return types.RoomState{}, ErrNoSuchRoom
	case <-ctx.Done():
		return types.RoomState{}, ctx.Err()
	}
}

func (rs *RoomServer) Shutdown(ctx context.Context) error {
	req := stopRequest{done: make(chan struct{})}

	select {
	case rs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
