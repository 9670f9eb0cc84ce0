package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

// Inbound event types.
const (
	EventJoinRoom     = "join_room"
	EventJoinAsGuest  = "join_as_guest"
	EventSetIssues    = "set_issues"
	EventSelectCard   = "select_card"
	EventRevealCards  = "reveal_cards"
	EventResetRound   = "reset_round"
	EventNextIssue    = "next_issue"
	EventPrevIssue    = "prev_issue"
	EventGoToIssue    = "go_to_issue"
	EventAssignPoints = "assign_points"
	EventChatMessage  = "chat_message"
	EventLeaveRoom    = "leave_room"
)

// Outbound event types.
const (
	EventRoomUpdate    = "room_update"
	EventVoteUpdate    = "vote_update"
	EventCardsRevealed = "cards_revealed"
	EventRoundReset    = "round_reset"
	EventIssueChanged  = "issue_changed"
	EventError         = "error"
	EventJoined        = "joined"
)

const (
	IssueStatusLoading  = "loading"
	IssueStatusResolved = "resolved"
)

type ClientMessage struct {
	Id        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"-"`

	Join         *JoinRoom     `json:"-"`
	GuestJoin    *JoinAsGuest  `json:"-"`
	SetIssues    *SetIssues    `json:"-"`
	SelectCard   *SelectCard   `json:"-"`
	Action       *RoomAction   `json:"-"`
	GoToIssue    *GoToIssue    `json:"-"`
	AssignPoints *AssignPoints `json:"-"`
	Chat         *ChatPayload  `json:"-"`

	client *Client
}

type JoinRoom struct {
	RoomId        string            `json:"roomId"`
	IdentityId    string            `json:"identityId"`
	DisplayName   string            `json:"displayName"`
	IsFacilitator bool              `json:"isFacilitator"`
	RoomName      string            `json:"roomName,omitempty"`
	Context       types.RoomContext `json:"context"`
	// set by the server for resolved guest joins
	isGuest       bool
	guestToken    string
	facilitatorId string
}

type JoinAsGuest struct {
	SessionId   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	GuestToken  string `json:"guestToken,omitempty"`
}

type SetIssues struct {
	RoomId string            `json:"roomId"`
	Issues []types.IssueStub `json:"issues"`
}

type SelectCard struct {
	RoomId     string `json:"roomId"`
	IdentityId string `json:"identityId"`
	Value      string `json:"value"`
}

// RoomAction is the payload of every event that only names its room.
type RoomAction struct {
	RoomId string `json:"roomId"`
}

type GoToIssue struct {
	RoomId string `json:"roomId"`
	Index  int    `json:"index"`
}

type AssignPoints struct {
	RoomId   string  `json:"roomId"`
	IssueKey string  `json:"issueKey"`
	Value    float64 `json:"value"`
}

type ChatPayload struct {
	RoomId  string `json:"roomId"`
	Content string `json:"content"`
}

// decode unpacks the payload into the typed field for the message type.
func (m *ClientMessage) decode() error {
	var target any
	switch m.Type {
	case EventJoinRoom:
		m.Join = &JoinRoom{}
		target = m.Join
	case EventJoinAsGuest:
		m.GuestJoin = &JoinAsGuest{}
		target = m.GuestJoin
	case EventSetIssues:
		m.SetIssues = &SetIssues{}
		target = m.SetIssues
	case EventSelectCard:
		m.SelectCard = &SelectCard{}
		target = m.SelectCard
	case EventRevealCards, EventResetRound, EventNextIssue, EventPrevIssue, EventLeaveRoom:
		m.Action = &RoomAction{}
		target = m.Action
	case EventGoToIssue:
		m.GoToIssue = &GoToIssue{}
		target = m.GoToIssue
	case EventAssignPoints:
		m.AssignPoints = &AssignPoints{}
		target = m.AssignPoints
	case EventChatMessage:
		m.Chat = &ChatPayload{}
		target = m.Chat
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}

	if len(m.Payload) == 0 {
		return fmt.Errorf("missing payload for %q", m.Type)
	}

	return json.Unmarshal(m.Payload, target)
}

// RoomId returns the room the message is addressed to.
func (m *ClientMessage) RoomId() string {
	switch {
	case m.Join != nil:
		return m.Join.RoomId
	case m.SetIssues != nil:
		return m.SetIssues.RoomId
	case m.SelectCard != nil:
		return m.SelectCard.RoomId
	case m.Action != nil:
		return m.Action.RoomId
	case m.GoToIssue != nil:
		return m.GoToIssue.RoomId
	case m.AssignPoints != nil:
		return m.AssignPoints.RoomId
	case m.Chat != nil:
		return m.Chat.RoomId
	}

	return ""
}

type ServerMessage struct {
	Id         int       `json:"id,omitempty"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	SkipClient *Client   `json:"-"`
}

type VoteUpdate struct {
	IdentityId string `json:"identityId"`
	HasVoted   bool   `json:"hasVoted"`
}

type CardsRevealed struct {
	Round        int                      `json:"round"`
	Participants []types.ParticipantState `json:"participants"`
	CurrentIssue *types.Issue             `json:"currentIssue,omitempty"`
	Average      *float64                 `json:"average,omitempty"`
	Agreement    *float64                 `json:"agreement,omitempty"`
}

type RoundReset struct {
	Round        int                      `json:"round"`
	Participants []types.ParticipantState `json:"participants"`
}

type IssueChanged struct {
	Issue          types.Issue         `json:"issue"`
	Index          int                 `json:"index"`
	Total          int                 `json:"total"`
	Status         string              `json:"status"`
	VotingHistory  []types.VotingRound `json:"votingHistory,omitempty"`
	IsPreEstimated bool                `json:"isPreEstimated"`
	SavedToTracker bool                `json:"savedToTracker"`
}

type Joined struct {
	RoomId       string `json:"roomId"`
	IdentityId   string `json:"identityId"`
	ConnectionId string `json:"connectionId"`
	GuestToken   string `json:"guestToken,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newServerMessage(id int, typ string, payload any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      typ,
		Payload:   payload,
		Timestamp: Now(),
	}
}

func newError(id, code int, message string) *ServerMessage {
	return newServerMessage(id, EventError, ErrorPayload{Code: code, Message: message})
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newError(id, http.StatusNotFound, "room not found")
}

func ErrNotParticipant(id int) *ServerMessage {
	return newError(id, http.StatusForbidden, "not a participant in this room")
}

func ErrBadRequest(id int, message string) *ServerMessage {
	return newError(id, http.StatusBadRequest, message)
}

func ErrInternalError(id int) *ServerMessage {
	return newError(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newError(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrTrackerUpdate(id int) *ServerMessage {
	return newError(id, http.StatusBadGateway, "failed to update the issue tracker")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newError(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
