package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/pointing-poker/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	lookupTimeout  = 5 * time.Second
)

type Client struct {
	id        string
	conn      *websocket.Conn
	rs        *RoomServer
	log       zerolog.Logger
	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	// closed is set under roomsLock once the connection has left its rooms
	// for good. No room may subscribe it afterwards.
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, rs *RoomServer, l zerolog.Logger) *Client {
	id := uuid.NewString()

	return &Client{
		id:    id,
		conn:  conn,
		rs:    rs,
		log:   l.With().Str("connection", id).Logger(),
		send:  make(chan *ServerMessage, 256),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		c.handleRaw(raw)
	}
}

// handleRaw decodes one frame and dispatches it.
func (c *Client) handleRaw(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("error parsing message")
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}

	if err := msg.decode(); err != nil {
		c.log.Debug().Err(err).Str("type", msg.Type).Msg("error decoding payload")
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	msg.client = c
	msg.Timestamp = Now()

	c.log.Debug().Str("type", msg.Type).Str("room", msg.RoomId()).Msg("received message")

	switch msg.Type {
	case EventJoinRoom:
		if msg.Join.RoomId == "" || msg.Join.IdentityId == "" {
			c.queueMessage(ErrBadRequest(msg.Id, "room id and identity id are required"))
			return
		}
		c.joinRoom(&msg)
	case EventJoinAsGuest:
		c.joinAsGuest(&msg)
	case EventLeaveRoom:
		c.leaveRoom(&msg)
	default:
		r := c.getRoom(msg.RoomId())
		if r == nil {
			c.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}

		select {
		case r.clientMsgChan <- &msg:
		default:
			c.log.Warn().Str("room", r.id).Msg("clientMsgChan full")
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	}
}

// joinAsGuest resolves the session behind an invite and joins its room with
// a guest identity. A token from an earlier visit keeps the same identity.
func (c *Client) joinAsGuest(msg *ClientMessage) {
	g := msg.GuestJoin
	if g.SessionId == "" || g.DisplayName == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "session id and display name are required"))
		return
	}
	if c.rs.guests == nil {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	session, err := c.rs.db.GetSessionByExternalId(ctx, g.SessionId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}
		c.log.Error().Err(err).Str("session", g.SessionId).Msg("session lookup failed")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	identityId, err := c.rs.guests.Resolve(g.GuestToken, session.ExternalId)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to resolve guest identity")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	token, err := c.rs.guests.Issue(identityId, session.ExternalId)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to issue guest token")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.Join = &JoinRoom{
		RoomId:      session.ExternalId,
		IdentityId:  identityId,
		DisplayName: g.DisplayName,
		RoomName:    session.Name,
		Context: types.RoomContext{
			BoardId:        session.BoardId,
			SprintId:       session.SprintId,
			SessionId:      session.ExternalId,
			EstimationType: session.EstimationType,
		},
		isGuest:       true,
		guestToken:    token,
		facilitatorId: session.FacilitatorId,
	}

	c.joinRoom(msg)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", msg.Type).Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.leaveAllRooms()
	c.rs.deRegisterClient(c)
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.Lock()
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.Unlock()

	for _, r := range rooms {
		select {
		case r.leaveChan <- &ClientMessage{Type: EventLeaveRoom, Action: &RoomAction{RoomId: r.id}, client: c}:
		case <-r.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.rs.joinChan <- msg:
	default:
		c.log.Warn().Msg("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Action.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Warn().Str("room", r.id).Msg("leaveChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

// addRoom subscribes the connection to r. It reports false once the
// connection has been closed.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.closed {
		return false
	}
	c.rooms[r.id] = r
	return true
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
