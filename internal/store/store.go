package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

var (
	// ErrNotFound is returned when no request has the given ID.
	ErrNotFound = errors.New("request not found")
	// ErrNotPending is returned by Resolve when the request already left pending.
	ErrNotPending = errors.New("request is not pending")
	// ErrExists is returned by Insert when the ID is already taken.
	ErrExists = errors.New("request already exists")
)

// Store is the persistence interface for requests. Implementations must make
// Resolve an atomic pending→terminal compare-and-set per request.
type Store interface {
	// Insert adds a new pending request. It must be visible to Get on return.
	Insert(req *protocol.Request) error
	// Get returns a copy of the request.
	Get(id string) (*protocol.Request, error)
	// Resolve moves a pending request to status, storing output (answered only).
	// On ErrNotPending the current request is returned alongside the error.
	Resolve(id string, res Resolution) (*protocol.Request, error)
	// List returns requests matching the filter, newest first.
	List(filter Filter) ([]*protocol.Request, error)
	// DeleteResolvedBefore removes terminal requests resolved before cutoff.
	DeleteResolvedBefore(cutoff time.Time) (int, error)
	// Close releases resources held by the store.
	Close() error
}

// Resolution describes a terminal transition.
type Resolution struct {
	Status protocol.Status
	Output json.RawMessage
	At     time.Time
}

// Filter constrains request list queries.
type Filter struct {
	Status    *protocol.Status
	SessionID string
	Limit     int // 0 = no limit
}

func (f Filter) match(r *protocol.Request) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}
