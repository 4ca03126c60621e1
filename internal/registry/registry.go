// Package registry tracks the live readers, iterators, and background
// tasks a ChainDB handle owns, so Close can tear all of them down exactly
// once and report every failure instead of just the first one.
//
// It is grounded on the teacher's module/lifecycle.LifecycleManager
// (module/lifecycle/lifecycle_test.go): a small mutex-guarded registry that
// coordinates a fleet of independently-closeable resources. Aggregation
// uses github.com/hashicorp/go-multierror the way the pack's cluster/
// consensus code collects per-participant errors without losing any of
// them to a naive "return the first error" pattern.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Closer is any registry entry that can be torn down.
type Closer interface {
	Close() error
}

// Handle identifies one registered resource, returned by Register so the
// caller can Deregister it by itself (e.g. a reader that
// reached its own natural end before ChainDB.Close is ever called).
type Handle string

// Registry is a concurrency-safe set of open Closers, keyed by a random
// uuid so callers never need to invent their own identifiers.
type Registry struct {
	mu     sync.Mutex
	items  map[Handle]Closer
	closed bool
}

func New() *Registry {
	return &Registry{items: make(map[Handle]Closer)}
}

// Register adds c to the registry and returns a handle for later removal.
// If the registry is already closed, c is closed immediately and a zero
// Handle is returned, so callers racing a shutdown never leak a resource
// that arrived just as ChainDB.Close started running.
func (r *Registry) Register(c Closer) Handle {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		return ""
	}
	h := Handle(uuid.NewString())
	r.items[h] = c
	r.mu.Unlock()
	return h
}

// Deregister removes h without closing it, for a resource that already
// closed itself.
func (r *Registry) Deregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, h)
}

// Len reports the number of currently registered resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// CloseAll closes every registered resource exactly once and marks the
// registry closed, rejecting further registrations. Errors from individual
// Closers are aggregated, not dropped.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	items := r.items
	r.items = nil
	r.mu.Unlock()

	var result *multierror.Error
	for _, c := range items {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
