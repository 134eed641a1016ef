package broker

import (
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"
)

// waitSet is the broadcast point for one pending request. Closing done wakes
// every waiter at once; a closed channel stays closed, so a waiter that
// subscribes after the close still observes it.
type waitSet struct {
	done    chan struct{}
	once    sync.Once
	waiting atomic.Int32

	// emitMu orders the request's events. Create holds it until new_request
	// is delivered; resolve holds it while announcing the outcome.
	emitMu sync.Mutex

	mu    sync.Mutex
	timer *quartz.Timer
}

func newWaitSet() *waitSet {
	return &waitSet{done: make(chan struct{})}
}

// arm attaches the expiry timer. If the set was already released the timer is
// stopped immediately.
func (w *waitSet) arm(t *quartz.Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		t.Stop()
	default:
		w.timer = t
	}
}

// release stops the expiry timer and wakes all waiters, once.
func (w *waitSet) release() {
	w.once.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		close(w.done)
		w.mu.Unlock()
	})
}

func (w *waitSet) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// registry maps pending request IDs to their wait sets. Entries are removed as
// soon as the request resolves; later waiters read the terminal state from the
// store instead. The map lock is held only for membership changes.
type registry struct {
	mu   sync.RWMutex
	sets map[string]*waitSet
}

func newRegistry() *registry {
	return &registry{sets: make(map[string]*waitSet)}
}

func (r *registry) add(id string) *waitSet {
	ws := newWaitSet()
	r.mu.Lock()
	r.sets[id] = ws
	r.mu.Unlock()
	return ws
}

func (r *registry) get(id string) *waitSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[id]
}

// remove detaches and returns the wait set for id, or nil.
func (r *registry) remove(id string) *waitSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.sets[id]
	delete(r.sets, id)
	return ws
}

// drain detaches every wait set.
func (r *registry) drain() []*waitSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*waitSet, 0, len(r.sets))
	for id, ws := range r.sets {
		out = append(out, ws)
		delete(r.sets, id)
	}
	return out
}

func (r *registry) waiting() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ws := range r.sets {
		n += int(ws.waiting.Load())
	}
	return n
}
