package reader

import (
	"context"
	"fmt"
	"sync"

	"github.com/fmaste/cardano-world/addblock"
	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/internal/registry"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// RollKind distinguishes the two halves of spec §4.6's rollState union.
type RollKind int

const (
	RollForward RollKind = iota
	RollBack
)

// RollState is spec §4.6's `RollBackTo(point) | RollForwardFrom(point)`.
type RollState struct {
	Kind  RollKind
	Point chain.Point
}

// ChainUpdate is what instructionBlocking hands back: either roll backward
// to Point, or roll forward onto Header (component materialized per the
// Reader's configured Component).
type ChainUpdate struct {
	RollBack bool
	Point    chain.Point // valid when RollBack
	Header   *chain.Header
	Value    interface{} // materialized component, valid when !RollBack
}

type readerPosition int

const (
	posInit readerPosition = iota
	posInMem
	posInImmDB
)

// Reader follows the live chain, per spec §4.6.
type Reader struct {
	imm       *immutable.ImmutableDB
	vol       *volatile.VolatileDB
	state     *addblock.ChainState
	component immutable.Component

	mu       sync.Mutex
	pos      readerPosition
	roll     RollState
	immIter  *immutable.Iterator
	waitCh   chan struct{} // closed and replaced on every chain update
	closed   bool

	reg        *registry.Registry
	handle     registry.Handle
	unregister func()
}

// NewReader creates a reader positioned at Genesis (Init), subscribed to
// chain updates.
func NewReader(imm *immutable.ImmutableDB, vol *volatile.VolatileDB, state *addblock.ChainState, component immutable.Component, reg *registry.Registry) *Reader {
	r := &Reader{
		imm:       imm,
		vol:       vol,
		state:     state,
		component: component,
		pos:       posInit,
		roll:      RollState{Kind: RollForward, Point: chain.Origin},
		waitCh:    make(chan struct{}),
	}
	r.unregister = state.Subscribe(r)
	if reg != nil {
		r.reg = reg
		r.handle = reg.Register(r)
	}
	return r
}

// NotifyChainSwitch implements addblock.ChainSwitchNotifier. Per spec §4.6:
// if the reader's point still lies on the new fragment it stays InMem with
// RollForwardFrom; otherwise it is rewound to RollBackTo(rollbackPoint).
//
// Called synchronously while ChainState's internal lock is held, so this
// must use newChain directly rather than calling back into
// ChainState.CurrentChain (same non-reentrant lock).
func (r *Reader) NotifyChainSwitch(newChain *chain.AnchoredFragment[chain.Header], rollback chain.Point, adopted []chain.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if r.pos != posInImmDB && onFragment(newChain, r.roll.Point) {
		// still a valid prefix of the (possibly extended) chain; nothing
		// to roll back, just let instructionBlocking discover new tip
		// entries on its next call.
	} else if r.pos != posInImmDB {
		r.roll = RollState{Kind: RollBack, Point: rollback}
		r.pos = posInMem
	}
	r.wake()
}

func onFragment(frag *chain.AnchoredFragment[chain.Header], p chain.Point) bool {
	if p.IsOrigin() {
		return true
	}
	return frag.Anchor.Equal(p) || frag.IndexOfHash(p.Hash) >= 0
}

func (r *Reader) wake() {
	close(r.waitCh)
	r.waitCh = make(chan struct{})
}

// Forward implements spec §4.6's forward(points[]) -> Option<intersectPoint>:
// the first of points (checked in order) that lies on the current chain or
// its immutable prefix becomes the reader's new position.
func (r *Reader) Forward(points []chain.Point) *chain.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	frag := r.state.CurrentChain()
	for _, p := range points {
		onMem := onFragment(frag, p)
		if onMem || r.inImmutablePrefix(p) {
			r.roll = RollState{Kind: RollForward, Point: p}
			r.pos = posInMem
			if !onMem {
				r.pos = posInImmDB
			}
			found := p
			return &found
		}
	}
	r.roll = RollState{Kind: RollBack, Point: chain.Origin}
	r.pos = posInMem
	return nil
}

func (r *Reader) inImmutablePrefix(p chain.Point) bool {
	if p.IsOrigin() {
		return true
	}
	_, found, err := r.imm.GetBlockComponent(p, immutable.ComponentSize)
	return err == nil && found
}

// InstructionBlocking implements spec §4.6's instructionBlocking() ->
// ChainUpdate, blocking until an instruction is available or ctx is done.
func (r *Reader) InstructionBlocking(ctx context.Context) (ChainUpdate, error) {
	for {
		update, ok, err := r.tryInstruction()
		if err != nil {
			return ChainUpdate{}, err
		}
		if ok {
			return update, nil
		}
		r.mu.Lock()
		waitCh := r.waitCh
		r.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ChainUpdate{}, ctx.Err()
		}
	}
}

func (r *Reader) tryInstruction() (ChainUpdate, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ChainUpdate{}, false, fmt.Errorf("reader: closed")
	}

	if r.roll.Kind == RollBack {
		point := r.roll.Point
		r.roll = RollState{Kind: RollForward, Point: point}
		return ChainUpdate{RollBack: true, Point: point}, true, nil
	}

	// RollForwardFrom(point): find the next header after point.
	frag := r.state.CurrentChain()
	idx := frag.IndexOfHash(r.roll.Point.Hash)
	onAnchor := frag.Anchor.Equal(r.roll.Point)
	if idx >= 0 || onAnchor {
		nextIdx := idx + 1
		if onAnchor {
			nextIdx = 0
		}
		if nextIdx < frag.Len() {
			next := frag.At(nextIdx)
			r.roll = RollState{Kind: RollForward, Point: next.Point()}
			r.pos = posInMem
			block, _ := r.vol.Get(next.H)
			return ChainUpdate{Header: &next, Value: r.materialize(next, block)}, true, nil
		}
		return ChainUpdate{}, false, nil
	}

	// point fell below the in-memory fragment's anchor: transition to
	// InImmDB and open an iterator positioned there.
	if r.immIter == nil {
		immTip := r.imm.GetTip()
		to := chain.Origin
		if immTip.Present {
			to = immTip.Value.Point
		}
		iter, err := r.imm.StreamFrom(r.roll.Point, to, r.component)
		if err != nil {
			if err == immutable.ErrEmptyRange {
				return ChainUpdate{}, false, nil
			}
			return ChainUpdate{}, false, err
		}
		if !r.roll.Point.IsOrigin() {
			// StreamFrom starts at its from point, which the reader has
			// already been handed; skip it.
			if _, _, _, err := iter.Next(); err != nil {
				return ChainUpdate{}, false, err
			}
		}
		r.immIter = iter
		r.pos = posInImmDB
	}

	p, v, ok, err := r.immIter.Next()
	if err != nil {
		return ChainUpdate{}, false, err
	}
	if !ok {
		r.immIter.Close()
		r.immIter = nil
		r.pos = posInMem // immutable prefix exhausted, caught up to InMem
		if frag.Anchor.Equal(r.roll.Point) && frag.Len() > 0 {
			next := frag.At(0)
			r.roll = RollState{Kind: RollForward, Point: next.Point()}
			block, _ := r.vol.Get(next.H)
			return ChainUpdate{Header: &next, Value: r.materialize(next, block)}, true, nil
		}
		return ChainUpdate{}, false, nil
	}
	r.roll = RollState{Kind: RollForward, Point: p}
	header, _ := v.(*chain.Header)
	if b, isBlock := v.(*chain.Block); isBlock {
		header = &b.Header
	}
	return ChainUpdate{Header: header, Value: v}, true, nil
}

func (r *Reader) materialize(hdr chain.Header, block *chain.Block) interface{} {
	if r.component == immutable.ComponentHeader || block == nil {
		return &hdr
	}
	return block
}

// Close releases the reader's resources, idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.immIter != nil {
		r.immIter.Close()
		r.immIter = nil
	}
	r.mu.Unlock()

	if r.unregister != nil {
		r.unregister()
	}
	if r.reg != nil {
		r.reg.Deregister(r.handle)
	}
	return nil
}
