package types

import (
	"time"
)

// RoomStateVersion is bumped whenever a field of RoomState changes meaning.
const RoomStateVersion = 1

type EstimationType string

const (
	EstimateStoryPoints      EstimationType = "story_points"
	EstimateOriginalEstimate EstimationType = "original_estimate"
	DefaultEstimationType                   = EstimateStoryPoints
)

// ParticipantKind discriminates a seat backed by a live connection from one
// reconstructed out of voting history or owned by the estimator bot.
type ParticipantKind string

const (
	ParticipantLive  ParticipantKind = "live"
	ParticipantGhost ParticipantKind = "ghost"
	ParticipantBot   ParticipantKind = "bot"
)

type RoomContext struct {
	BoardId        string         `json:"boardId,omitempty"`
	SprintId       string         `json:"sprintId,omitempty"`
	SessionId      string         `json:"sessionId,omitempty"`
	EstimationType EstimationType `json:"estimationType,omitempty"`
}

type IssueStub struct {
	Key     string `json:"key"`
	Id      string `json:"id"`
	Summary string `json:"summary"`
}

type Comment struct {
	Author  string    `json:"author"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

type LinkedIssue struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Issue is either a stub (key, id and summary only) or the resolved form
// returned by the tracker.
type Issue struct {
	Key          string        `json:"key"`
	Id           string        `json:"id"`
	Summary      string        `json:"summary"`
	Description  string        `json:"description,omitempty"`
	IssueType    string        `json:"issueType,omitempty"`
	Status       string        `json:"status,omitempty"`
	Assignee     string        `json:"assignee,omitempty"`
	Reporter     string        `json:"reporter,omitempty"`
	Priority     string        `json:"priority,omitempty"`
	Labels       []string      `json:"labels,omitempty"`
	StoryPoints  *float64      `json:"storyPoints,omitempty"`
	TimeEstimate *int64        `json:"timeEstimateSeconds,omitempty"`
	Comments     []Comment     `json:"comments,omitempty"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	LinkedIssues []LinkedIssue `json:"linkedIssues,omitempty"`
}

// StubIssue returns the cheap form of an issue built from its queue entry.
func StubIssue(stub IssueStub) Issue {
	return Issue{Key: stub.Key, Id: stub.Id, Summary: stub.Summary}
}

// Shallow reports whether the issue lacks the detail fields every tracker
// fetch fills in.
func (i Issue) Shallow() bool {
	return i.Status == "" && i.IssueType == ""
}

// HasEstimate reports whether the tracker already carries a point or time
// value for the issue.
func (i Issue) HasEstimate() bool {
	return (i.StoryPoints != nil && *i.StoryPoints > 0) || (i.TimeEstimate != nil && *i.TimeEstimate > 0)
}

type Vote struct {
	ParticipantId   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	Vote            string    `json:"vote"`
	VotedAt         time.Time `json:"votedAt"`
}

// VotingRound is the immutable record of one reveal for one ticket.
type VotingRound struct {
	RoundNumber       int       `json:"roundNumber"`
	Votes             []Vote    `json:"votes"`
	Average           *float64  `json:"average,omitempty"`
	Agreement         *float64  `json:"agreement,omitempty"`
	FinalEstimate     *float64  `json:"finalEstimate,omitempty"`
	FinalEstimateText string    `json:"finalEstimateText,omitempty"`
	RevealedAt        time.Time `json:"revealedAt"`
	SavedToTracker    bool      `json:"savedToTracker"`
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Estimate is the bot's analysis of the current issue.
type Estimate struct {
	Points     float64    `json:"points"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Risks      []string   `json:"risks,omitempty"`
}

type ParticipantState struct {
	Id            string          `json:"id"`
	ConnectionId  string          `json:"connectionId,omitempty"`
	Name          string          `json:"name"`
	SelectedCard  *string         `json:"selectedCard,omitempty"`
	HasVoted      bool            `json:"hasVoted"`
	IsFacilitator bool            `json:"isFacilitator"`
	IsGuest       bool            `json:"isGuest"`
	IsBot         bool            `json:"isBot"`
	Connected     bool            `json:"connected"`
	Kind          ParticipantKind `json:"kind"`
}

// RoomState is the authoritative snapshot broadcast as room_update.
type RoomState struct {
	Version        int                `json:"version"`
	RoomId         string             `json:"roomId"`
	Name           string             `json:"name"`
	Context        RoomContext        `json:"context"`
	Round          int                `json:"round"`
	Revealed       bool               `json:"revealed"`
	IssueIndex     int                `json:"issueIndex"`
	IssueCount     int                `json:"issueCount"`
	Issues         []IssueStub        `json:"issues"`
	CurrentIssue   *Issue             `json:"currentIssue,omitempty"`
	Participants   []ParticipantState `json:"participants"`
	AIAnalysis     *Estimate          `json:"aiAnalysis,omitempty"`
	SavedToTracker bool               `json:"savedToTracker"`
}

type RoomSummary struct {
	RoomId    string    `json:"roomId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMessage struct {
	RoomId     string    `json:"roomId"`
	SenderId   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	IsBot      bool      `json:"isBot"`
	Timestamp  time.Time `json:"timestamp"`
}
