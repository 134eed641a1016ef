package protocol

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusAnswered || s == StatusExpired
}

// WidgetType selects which UI widget renders a request.
type WidgetType string

const (
	WidgetConfirm WidgetType = "confirm"
	WidgetSelect  WidgetType = "select"
	WidgetForm    WidgetType = "form"
)

// DefaultSessionID is used when a caller does not name a session.
const DefaultSessionID = "global"

// Request is a single human-in-the-loop question and, once answered, its answer.
// Input and Output are opaque JSON; the broker never interprets them.
type Request struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Type       WidgetType      `json:"type"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     Status          `json:"status"`
	Timeout    int             `json:"timeout"` // seconds
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Request) Clone() *Request {
	c := *r
	c.Input = cloneRaw(r.Input)
	c.Output = cloneRaw(r.Output)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
