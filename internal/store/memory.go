package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

// record guards a single request. The map lock in MemoryStore only covers
// membership; status and output changes take the record lock.
type record struct {
	mu  sync.Mutex
	req *protocol.Request
}

func (r *record) snapshot() *protocol.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req.Clone()
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

func (s *MemoryStore) Insert(req *protocol.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[req.ID]; ok {
		return fmt.Errorf("memory store: insert %q: %w", req.ID, ErrExists)
	}
	s.records[req.ID] = &record{req: req.Clone()}
	return nil
}

func (s *MemoryStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *MemoryStore) Get(id string) (*protocol.Request, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshot(), nil
}

func (s *MemoryStore) Resolve(id string, res Resolution) (*protocol.Request, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.req.Status != protocol.StatusPending {
		return r.req.Clone(), ErrNotPending
	}

	at := res.At
	r.req.Status = res.Status
	r.req.ResolvedAt = &at
	if res.Status == protocol.StatusAnswered {
		r.req.Output = append([]byte(nil), res.Output...)
	}
	return r.req.Clone(), nil
}

func (s *MemoryStore) List(filter Filter) ([]*protocol.Request, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	var out []*protocol.Request
	for _, r := range recs {
		req := r.snapshot()
		if filter.match(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, r := range s.records {
		r.mu.Lock()
		old := r.req.ResolvedAt != nil && r.req.ResolvedAt.Before(cutoff)
		r.mu.Unlock()
		if old {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
