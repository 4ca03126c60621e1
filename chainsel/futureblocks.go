package chainsel

import (
	"sync"

	"github.com/fmaste/cardano-world/chain"
)

// FutureBlocks is spec §3's Map<H, Header> of headers whose slot is still
// ahead of wall-clock, parked until GetIsFetched/chain selection can
// reconsider them. Shape mirrors InvalidBlocks minus the fingerprint, since
// nothing downstream needs to observe its version.
type FutureBlocks struct {
	mu sync.RWMutex
	m  map[chain.Hash]chain.Header
}

func NewFutureBlocks() *FutureBlocks {
	return &FutureBlocks{m: make(map[chain.Hash]chain.Header)}
}

func (b *FutureBlocks) Add(h chain.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[h.H] = h
}

func (b *FutureBlocks) Has(h chain.Hash) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.m[h]
	return ok
}

func (b *FutureBlocks) Remove(h chain.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, h)
}

// Ripe returns, and removes, every parked header whose slot is now <= now.
// Called once per add-block iteration so headers that were future when
// first seen get a chance to re-enter selection once their slot arrives.
func (b *FutureBlocks) Ripe(now chain.Slot) []chain.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []chain.Header
	for h, hdr := range b.m {
		if hdr.Slot <= now {
			out = append(out, hdr)
			delete(b.m, h)
		}
	}
	return out
}

func (b *FutureBlocks) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}
