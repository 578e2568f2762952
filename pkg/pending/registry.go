// Package pending holds the in-memory correlation state between commands
// sent to the garden controller and its asynchronous replies. Each registry
// tracks at most one outstanding request per plant id; the sweeper purges
// entries whose reply never arrived.
package pending

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyPending is returned by Register on a Serialize registry when an
// entry for the resource id already exists.
var ErrAlreadyPending = errors.New("request already pending for resource")

// Mode decides what a second Register for a live resource id does.
type Mode int

const (
	// Serialize rejects the second request; the operation is not idempotent
	// (an irrigation start while one is running must fail as busy).
	Serialize Mode = iota
	// Replace lets the newest request win; the operation is an idempotent
	// observation (a repeated moisture poll supersedes the previous one).
	Replace
)

type entry[C any] struct {
	ctx       C
	createdAt time.Time
}

// Registry maps a plant id to the waiting request context of one command
// family. All mutation runs under a single mutex, so Register, Resolve and
// Sweep for the same id can never interleave.
type Registry[C any] struct {
	name   string
	mode   Mode
	maxAge time.Duration

	mu      sync.Mutex
	entries map[int64]entry[C]
}

func NewRegistry[C any](name string, mode Mode, maxAge time.Duration) *Registry[C] {
	return &Registry[C]{
		name:    name,
		mode:    mode,
		maxAge:  maxAge,
		entries: make(map[int64]entry[C]),
	}
}

func (r *Registry[C]) Name() string { return r.name }

// Register stores the waiting context for id. On a Serialize registry a live
// entry makes this fail with ErrAlreadyPending and leaves the original
// untouched; on a Replace registry the prior entry is overwritten.
func (r *Registry[C]) Register(id int64, ctx C) error {
	return r.registerAt(id, ctx, time.Now())
}

func (r *Registry[C]) registerAt(id int64, ctx C, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok && r.mode == Serialize {
		return ErrAlreadyPending
	}
	r.entries[id] = entry[C]{ctx: ctx, createdAt: at}
	return nil
}

// Resolve removes and returns the waiting context for id. It is the single
// path that both answers the waiter and deletes the entry; a second call for
// the same id reports false and has no effect.
func (r *Registry[C]) Resolve(id int64) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero C
		return zero, false
	}
	delete(r.entries, id)
	return e.ctx, true
}

// Peek returns the waiting context without removing it.
func (r *Registry[C]) Peek(id int64) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero C
		return zero, false
	}
	return e.ctx, true
}

// Cancel drops the entry for id without resolving it.
func (r *Registry[C]) Cancel(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes entries older than maxAge and returns their resource ids.
// It deletes only; the waiter is never notified, its own timeout covers it.
func (r *Registry[C]) Sweep(maxAge time.Duration) []int64 {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept []int64
	for id, e := range r.entries {
		if e.createdAt.Before(cutoff) {
			delete(r.entries, id)
			swept = append(swept, id)
		}
	}
	return swept
}

// SweepExpired sweeps with the registry's own staleness threshold.
func (r *Registry[C]) SweepExpired() []int64 {
	return r.Sweep(r.maxAge)
}
