package models

import "time"

// Event names carried on the live channel.
const (
	EventCommentCreated = "comment-created"
	EventCommentUpdated = "comment-updated"
	EventCommentDeleted = "comment-deleted"
	EventConnect        = "connect"
)

// Subscription control actions sent by clients.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// EventFrame is the JSON shape of every server→client frame on the live
// channel. Which fields are set depends on Event.
type EventFrame struct {
	Event           string   `json:"event"`
	Topic           string   `json:"topic,omitempty"`
	Origin          string   `json:"origin,omitempty"`
	Comment         *Comment `json:"comment,omitempty"`
	CommentID       string   `json:"comment_id,omitempty"`
	ParentCommentID string   `json:"parent_comment_id,omitempty"`
	Content         string   `json:"content,omitempty"`
}

// ControlFrame is the client→server message joining or leaving a topic scope.
type ControlFrame struct {
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id,omitempty"`
}

// LogEntry is one access-log record shipped to kafka by the service and
// indexed into elasticsearch by logkeeper.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Duration   float64   `json:"duration_sec"`
	Service    string    `json:"service"`
}
