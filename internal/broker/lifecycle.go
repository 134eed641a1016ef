package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/h1v3-io/hitl/internal/store"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

// Submit records the answer for a pending request and wakes its waiters.
// Only the first answer is accepted; later calls get ErrAlreadyFinal together
// with the snapshot holding the decided outcome. Output is not checked
// against the request type.
func (b *Broker) Submit(id string, output json.RawMessage) (*protocol.Request, error) {
	if !present(output) {
		return nil, fmt.Errorf("%w: output is required", ErrInvalid)
	}
	return b.resolve(id, store.Resolution{
		Status: protocol.StatusAnswered,
		Output: output,
		At:     b.clock.Now().UTC(),
	})
}

// Expire moves a pending request to expired. It is what the expiry timer
// calls, and follows the same single-transition rule as Submit.
func (b *Broker) Expire(id string) (*protocol.Request, error) {
	return b.resolve(id, store.Resolution{
		Status: protocol.StatusExpired,
		At:     b.clock.Now().UTC(),
	})
}

func (b *Broker) resolve(id string, res store.Resolution) (*protocol.Request, error) {
	req, err := b.store.Resolve(id, res)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, store.ErrNotPending):
		return req, ErrAlreadyFinal
	case err != nil:
		return nil, fmt.Errorf("broker: resolve %s: %w", id, err)
	}

	if ws := b.waiters.remove(id); ws != nil {
		ws.emitMu.Lock()
		defer ws.emitMu.Unlock()
		ws.release()
	}

	if req.Status == protocol.StatusAnswered {
		b.logger.Info("request answered", "request", id)
		b.emit(protocol.EventRequestCompleted, req)
	} else {
		b.logger.Info("request expired", "request", id)
		b.emit(protocol.EventRequestExpired, req)
	}
	return req, nil
}

// Recover adopts pending requests already present in the store, e.g. after a
// restart with a persistent store. Requests past their deadline are expired
// immediately; the rest get timers for the remaining time.
func (b *Broker) Recover() (armed, expired int, err error) {
	pending := protocol.StatusPending
	reqs, err := b.store.List(store.Filter{Status: &pending})
	if err != nil {
		return 0, 0, fmt.Errorf("broker: recover: %w", err)
	}

	now := b.clock.Now()
	for _, req := range reqs {
		if b.waiters.get(req.ID) != nil {
			continue
		}
		remaining := req.ExpiresAt.Sub(now)
		ws := b.waiters.add(req.ID)
		if remaining <= 0 {
			if _, err := b.Expire(req.ID); err != nil && !errors.Is(err, ErrAlreadyFinal) {
				b.logger.Error("recover: expire failed", "request", req.ID, "error", err)
			}
			expired++
			continue
		}
		b.armExpiry(ws, req.ID, remaining)
		armed++
	}
	b.logger.Info("recovered pending requests", "armed", armed, "expired", expired)
	return armed, expired, nil
}

// Sweep deletes terminal requests resolved more than retention ago.
func (b *Broker) Sweep(retention time.Duration) (int, error) {
	cutoff := b.clock.Now().Add(-retention)
	n, err := b.store.DeleteResolvedBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("broker: sweep: %w", err)
	}
	if n > 0 {
		b.logger.Info("swept resolved requests", "deleted", n)
	}
	return n, nil
}

// Close stops all expiry timers. Pending requests stay pending in the store;
// waiting on one afterwards yields ErrUnavailable.
func (b *Broker) Close() {
	for _, ws := range b.waiters.drain() {
		ws.stopTimer()
	}
}
