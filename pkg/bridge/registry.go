package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// registry tracks requests between the Send stage posting an envelope
// and the Wait stage blocking for a reply (or timeout/cancel). The
// Bridge's prune loop sweeps it with sweepExpired, which handles both
// timed-out and canceled entries.
type registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*requestEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*requestEntry)}
}

func (r *registry) add(id uuid.UUID) *requestEntry {
	e := &requestEntry{id: id, createdAt: time.Now(), replyCh: make(chan Response, 1)}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return e
}

func (r *registry) get(id uuid.UUID) (*requestEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// deliver hands resp to the waiting entry for id, if any, removing it
// from the registry. Reports whether a waiter was found.
func (r *registry) deliver(id uuid.UUID, resp Response) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.replyCh <- resp:
	default:
	}
	return true
}

// markCanceled flags id as canceled (its HTTP client disconnected) and
// stamps the time, so sweepExpired can drain it after the grace period
// instead of removing it immediately — a reply that arrives in that
// window is simply dropped rather than raced against removal.
func (r *registry) markCanceled(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.canceled = true
		e.cancelAt = time.Now()
	}
}

// sweepExpired removes entries older than timeout (delivering
// ErrRequestTimeout to any waiter) and entries canceled for longer than
// cancelDrain (delivering ErrRequestCanceled, mostly to unblock a Wait
// stage that is somehow still listening).
func (r *registry) sweepExpired(timeout, cancelDrain time.Duration) {
	now := time.Now()

	r.mu.Lock()
	var expired, drained []*requestEntry
	for id, e := range r.entries {
		switch {
		case e.canceled && now.Sub(e.cancelAt) >= cancelDrain:
			drained = append(drained, e)
			delete(r.entries, id)
		case !e.canceled && now.Sub(e.createdAt) >= timeout:
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		select {
		case e.replyCh <- Response{Err: ErrRequestTimeout}:
		default:
		}
	}
	for _, e := range drained {
		select {
		case e.replyCh <- Response{Err: ErrRequestCanceled}:
		default:
		}
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
