// Package addblock implements spec §4.4's Add-Block Pipeline: the bounded
// FIFO of incoming blocks, the background worker that runs chain selection
// over them, and the background copy-to-immutable/GC task.
//
// Its shape follows the teacher's module/buffer.PendingBlocks consumer loop
// (a single background goroutine draining a bounded queue under a shared
// mutex-guarded state struct) generalized to spec's multi-stage pipeline.
package addblock

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/chainsel"
)

// ChainSwitchNotifier is the narrow surface the pipeline uses to tell
// readers about an adopted chain switch (spec §4.4 step f, §4.6). Kept
// narrow, the way storage/ledger.ReplaySource decouples LedgerDB from a
// concrete ImmutableDB, so addblock never imports package reader.
type ChainSwitchNotifier interface {
	// NotifyChainSwitch is called synchronously while the ChainState's
	// internal lock is held, so implementations must use newChain as
	// given rather than calling back into ChainState.CurrentChain (which
	// would deadlock on the same non-reentrant lock).
	NotifyChainSwitch(newChain *chain.AnchoredFragment[chain.Header], rollback chain.Point, adopted []chain.Header)
}

// ChainState is the single logical-transaction surface spec §4.4 describes:
// a mutex serializes reads of the current chain/ledger tip against the
// worker loop's chain-selection passes. Go has no native STM, so a
// conventional mutex plays that role here, the same way module/mempool's
// stdmap.Backend uses a plain sync.RWMutex instead of anything fancier.
type ChainState struct {
	mu        sync.RWMutex
	current   *chain.AnchoredFragment[chain.Header]
	nextSubID uint64
	notifiers map[uint64]ChainSwitchNotifier
}

func NewChainState(initial *chain.AnchoredFragment[chain.Header]) *ChainState {
	return &ChainState{current: initial, notifiers: make(map[uint64]ChainSwitchNotifier)}
}

// Subscribe registers n to be called, synchronously and in an unspecified
// order, on every adopted chain switch. The returned function unsubscribes;
// callers (readers, iterators) must call it when closing, per spec §4.6
// "both abstractions own a close function registered with the DB's resource
// set".
func (s *ChainState) Subscribe(n ChainSwitchNotifier) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.notifiers[id] = n
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.notifiers, id)
		s.mu.Unlock()
	}
}

// CurrentChain returns a defensive copy of the adopted chain fragment.
func (s *ChainState) CurrentChain() *chain.AnchoredFragment[chain.Header] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

func (s *ChainState) TipPoint() chain.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.TipPoint()
}

func (s *ChainState) TipBlockNo() chain.BlockNo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.TipBlockNo()
}

// runSelection executes one chainsel.Run pass under the exclusive lock and,
// if a new chain was adopted, swaps it in and notifies readers before
// releasing the lock — the "single logical transaction" covering the
// current-chain pointer, the LedgerDB (already committed inside chainsel.Run)
// and reader notification. Per spec §5 "reader notifications resolve-before
// processed for the block that triggered them", notification happens here,
// synchronously, before runSelection (and therefore the caller's processOne)
// returns.
func (s *ChainState) runSelection(nowSlot chain.Slot, deps chainsel.Deps, log zerolog.Logger) (*chainsel.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := chainsel.Run(s.current, nowSlot, deps)
	if err != nil {
		return nil, err
	}
	if !res.Adopted {
		return res, nil
	}

	s.current = res.NewChain
	log.Info().
		Int("new_length", res.NewChain.Len()).
		Uint64("tip_block_no", uint64(res.NewChain.TipBlockNo())).
		Int("adopted_headers", len(res.AdoptedHeaders)).
		Msg("adopted new chain")
	for _, n := range s.notifiers {
		n.NotifyChainSwitch(res.NewChain, res.RollbackPoint, res.AdoptedHeaders)
	}
	return res, nil
}
