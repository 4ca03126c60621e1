// Package chainsel implements spec §4.4's chain-selection algorithm and the
// InvalidBlocks/FutureBlocks bookkeeping it depends on.
//
// The bounded maps below follow the teacher's module/mempool/stdmap.backend
// shape (sync.RWMutex guarding a plain Go map), generalized with a
// go.uber.org/atomic fingerprint counter the way module/counters keeps a
// monotonic counter alongside mutable state.
package chainsel

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/fmaste/cardano-world/chain"
)

// InvalidReason records why a block was rejected during validation.
type InvalidReason struct {
	Reason string
	Slot   chain.Slot
}

// InvalidBlocks is spec §3's Map<H, (reason, slot)> guarded by a monotonic
// fingerprint incremented on every insertion but not on GC.
type InvalidBlocks struct {
	mu          sync.RWMutex
	m           map[chain.Hash]InvalidReason
	fingerprint atomic.Uint64
}

func NewInvalidBlocks() *InvalidBlocks {
	return &InvalidBlocks{m: make(map[chain.Hash]InvalidReason)}
}

// Add records h as invalid, bumping the fingerprint. Every call bumps it,
// including one that marks an already-invalid block again (the stored
// reason is then overwritten).
func (b *InvalidBlocks) Add(h chain.Hash, reason string, slot chain.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[h] = InvalidReason{Reason: reason, Slot: slot}
	b.fingerprint.Inc()
}

func (b *InvalidBlocks) Has(h chain.Hash) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.m[h]
	return ok
}

func (b *InvalidBlocks) Get(h chain.Hash) (InvalidReason, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.m[h]
	return r, ok
}

// Fingerprint returns the current monotonic version counter.
func (b *InvalidBlocks) Fingerprint() uint64 {
	return b.fingerprint.Load()
}

// Snapshot returns a copy of the map alongside the fingerprint it was taken
// under, per spec §6's WithFingerprint<Map<H, reason>>.
func (b *InvalidBlocks) Snapshot() (map[chain.Hash]string, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[chain.Hash]string, len(b.m))
	for h, r := range b.m {
		out[h] = r.Reason
	}
	return out, b.fingerprint.Load()
}

// GC removes entries with slot <= upTo without bumping the fingerprint
// (spec §3: "incremented on every insertion but not on GC").
func (b *InvalidBlocks) GC(upTo chain.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, r := range b.m {
		if r.Slot <= upTo {
			delete(b.m, h)
		}
	}
}
