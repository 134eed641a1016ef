package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/h1v3-io/hitl/internal/store"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

const (
	DefaultRequestTimeout = 300 * time.Second
	DefaultPollTimeout    = 60 * time.Second
	DefaultMaxPollTimeout = 10 * time.Minute
)

// Listener receives lifecycle events. Notify is called after the transition
// is committed and must not block for long. Events for one request arrive in
// lifecycle order, so Notify must not resolve the request it is told about.
type Listener interface {
	Notify(ev protocol.Event)
}

// Broker coordinates request creation, long-poll waits, answers and expiry.
// All per-request state transitions go through the store's compare-and-set,
// so an answer and a firing expiry timer can never both win.
type Broker struct {
	store     store.Store
	clock     quartz.Clock
	logger    *slog.Logger
	listeners []Listener
	waiters   *registry

	requestTimeout time.Duration
	pollTimeout    time.Duration
	maxPollTimeout time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock used for expiry timers and poll windows.
func WithClock(c quartz.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithListener adds a lifecycle event listener. Listeners are notified in
// registration order.
func WithListener(l Listener) Option {
	return func(b *Broker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

// WithRequestTimeout sets the TTL applied when a caller passes none.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithPollTimeouts sets the default and maximum long-poll windows.
func WithPollTimeouts(def, max time.Duration) Option {
	return func(b *Broker) {
		if def > 0 {
			b.pollTimeout = def
		}
		if max > 0 {
			b.maxPollTimeout = max
		}
	}
}

// New creates a broker over st. The broker owns expiry timers for the
// requests it creates; call Recover to adopt pending requests already in st.
func New(st store.Store, opts ...Option) *Broker {
	b := &Broker{
		store:          st,
		clock:          quartz.NewReal(),
		logger:         slog.Default(),
		waiters:        newRegistry(),
		requestTimeout: DefaultRequestTimeout,
		pollTimeout:    DefaultPollTimeout,
		maxPollTimeout: DefaultMaxPollTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateParams describes a new request.
type CreateParams struct {
	SessionID string
	Type      protocol.WidgetType
	Input     json.RawMessage
	Timeout   time.Duration // <= 0 uses the broker default
}

// Create stores a new pending request and starts its expiry timer. The request
// is visible to Get and Wait before Create returns.
func (b *Broker) Create(p CreateParams) (*protocol.Request, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if !present(p.Input) {
		return nil, fmt.Errorf("%w: input is required", ErrInvalid)
	}
	if p.SessionID == "" {
		p.SessionID = protocol.DefaultSessionID
	}
	if p.Timeout <= 0 {
		p.Timeout = b.requestTimeout
	}

	now := b.clock.Now().UTC()
	req := &protocol.Request{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		Type:      p.Type,
		Input:     p.Input,
		Status:    protocol.StatusPending,
		Timeout:   int(p.Timeout / time.Second),
		CreatedAt: now,
		ExpiresAt: now.Add(p.Timeout),
	}

	// Register before insert so any ID a caller can see has a wait set.
	ws := b.waiters.add(req.ID)
	ws.emitMu.Lock()
	defer ws.emitMu.Unlock()
	if err := b.store.Insert(req); err != nil {
		b.waiters.remove(req.ID)
		return nil, fmt.Errorf("broker: create: %w", err)
	}
	b.armExpiry(ws, req.ID, p.Timeout)

	b.logger.Info("request created", "request", req.ID, "type", req.Type, "session", req.SessionID, "timeout", p.Timeout)
	b.emit(protocol.EventNewRequest, req)
	return req.Clone(), nil
}

func (b *Broker) armExpiry(ws *waitSet, id string, after time.Duration) {
	ws.arm(b.clock.AfterFunc(after, func() { b.onDeadline(id) }, "broker", "expire"))
}

func (b *Broker) onDeadline(id string) {
	_, err := b.Expire(id)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyFinal):
		b.logger.Debug("expiry lost race to answer", "request", id)
	default:
		b.logger.Error("expire failed", "request", id, "error", err)
	}
}

// Get returns the current snapshot of a request without blocking.
func (b *Broker) Get(id string) (*protocol.Request, error) {
	req, err := b.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("broker: get %s: %w", id, err)
	}
	return req, nil
}

// List returns requests matching filter.
func (b *Broker) List(filter store.Filter) ([]*protocol.Request, error) {
	reqs, err := b.store.List(filter)
	if err != nil {
		return nil, fmt.Errorf("broker: list: %w", err)
	}
	return reqs, nil
}

// Wait blocks until the request resolves, the poll window elapses, or ctx is
// done. A poll timeout only ends this call; the request stays pending and may
// be waited on again. Wait never changes request state.
//
// Results: answered → (req, nil); expired → (req, ErrExpired);
// poll window elapsed → (req, ErrPollTimeout); pending but not tracked, as
// after Close → (req, ErrUnavailable).
func (b *Broker) Wait(ctx context.Context, id string, poll time.Duration) (*protocol.Request, error) {
	// Look up the wait set before reading state: if the request resolves in
	// between, the set is already released and the select below returns.
	ws := b.waiters.get(id)

	req, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return outcome(req)
	}
	if ws == nil {
		return req, ErrUnavailable
	}

	ws.waiting.Add(1)
	defer ws.waiting.Add(-1)

	t := b.clock.NewTimer(b.PollWindow(poll), "broker", "wait")
	defer t.Stop()

	select {
	case <-ws.done:
		req, err := b.Get(id)
		if err != nil {
			return nil, err
		}
		return outcome(req)
	case <-t.C:
		return req, ErrPollTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PollWindow applies the default and maximum to a requested poll duration.
func (b *Broker) PollWindow(d time.Duration) time.Duration {
	if d <= 0 {
		d = b.pollTimeout
	}
	if d > b.maxPollTimeout {
		d = b.maxPollTimeout
	}
	return d
}

func outcome(req *protocol.Request) (*protocol.Request, error) {
	if req.Status == protocol.StatusExpired {
		return req, ErrExpired
	}
	return req, nil
}

// Waiting reports how many Wait calls are currently suspended across all
// pending requests.
func (b *Broker) Waiting() int {
	return b.waiters.waiting()
}

// WaitingOn reports how many Wait calls are suspended on id.
func (b *Broker) WaitingOn(id string) int {
	ws := b.waiters.get(id)
	if ws == nil {
		return 0
	}
	return int(ws.waiting.Load())
}

func (b *Broker) emit(typ protocol.EventType, req *protocol.Request) {
	for _, l := range b.listeners {
		l.Notify(protocol.Event{Type: typ, Request: req.Clone()})
	}
}

// present reports whether raw holds a JSON value other than null.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
