// Package reader implements spec §4.6's two streaming abstractions: Reader
// (follows the live chain) and Iterator (streams a fixed, chain-evolution-
// independent range). Both register a close function with a
// internal/registry.Registry, mirroring the teacher's pattern of scoping
// every long-lived resource to an owning handle (module/lifecycle).
package reader

import (
	"errors"
	"fmt"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/internal/registry"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// Source reports where an Iterator is pulling entries from at any moment,
// per spec §4.6's StreamFromImmDB/StreamFromVolDB/StreamFromBoth.
type Source int

const (
	SourceImmDB Source = iota
	SourceVolDB
)

// ErrBlockGCed is returned (and terminates the iterator) when a block
// expected in the VolatileDB was garbage collected before being read, and
// was never copied to the ImmutableDB either (spec §4.6 "BlockGCedFromVolDB").
var ErrBlockGCed = errors.New("reader: block was garbage collected before it could be read")

// Iterator streams [from, to] (both inclusive) independent of further chain
// mutation, per spec §4.6.
type Iterator struct {
	imm       *immutable.ImmutableDB
	vol       *volatile.VolatileDB
	component immutable.Component

	immIter *immutable.Iterator // non-nil while still draining the immutable prefix
	volTail []chain.Header      // remaining volatile-sourced entries, in order
	volPos  int

	closed bool
	reg    *registry.Registry
	handle registry.Handle
}

// NewIterator resolves the range [from, to] against the ImmutableDB and the
// supplied in-memory chain suffix (typically a ChainState snapshot), then
// classifies it per spec §4.6.
func NewIterator(imm *immutable.ImmutableDB, vol *volatile.VolatileDB, chainSuffix []chain.Header, from, to chain.Point, component immutable.Component, reg *registry.Registry) (*Iterator, error) {
	immTip := imm.GetTip()

	inImmutable := func(p chain.Point) bool {
		if p.IsOrigin() {
			return true
		}
		return immTip.Present && p.Slot <= immTip.Value.Point.Slot
	}

	it := &Iterator{imm: imm, vol: vol, component: component}

	toInImmutable := inImmutable(to)
	fromInImmutable := inImmutable(from)

	switch {
	case fromInImmutable && toInImmutable:
		iter, err := imm.StreamFrom(from, to, component)
		if err != nil {
			return nil, err
		}
		it.immIter = iter
	case !fromInImmutable && !toInImmutable:
		tail, err := sliceHeaders(chainSuffix, from, to)
		if err != nil {
			return nil, err
		}
		it.volTail = tail
	default:
		// spans both: immutable part runs from `from` to the immutable
		// tip, volatile part picks up immediately after (the suffix begins
		// right after the immutable tip, so it is sliced from its start).
		if immTip.Present {
			iter, err := imm.StreamFrom(from, immTip.Value.Point, component)
			if err != nil {
				return nil, err
			}
			it.immIter = iter
		}
		tail, err := sliceHeaders(chainSuffix, chain.Origin, to)
		if err != nil {
			return nil, err
		}
		it.volTail = tail
	}

	if reg != nil {
		it.reg = reg
		it.handle = reg.Register(iteratorCloser{it})
	}
	return it, nil
}

type iteratorCloser struct{ it *Iterator }

func (c iteratorCloser) Close() error { return c.it.Close() }

// sliceHeaders returns the entries of suffix within [from, to], both
// endpoints included (Origin as from means the start of suffix, Origin as
// to its end), erroring if either endpoint cannot be resolved.
func sliceHeaders(suffix []chain.Header, from, to chain.Point) ([]chain.Header, error) {
	startIdx := 0
	if !from.IsOrigin() {
		idx := indexOfHash(suffix, from.Hash)
		if idx < 0 {
			return nil, &immutable.MissingBlockError{Point: from}
		}
		startIdx = idx
	}
	endIdx := len(suffix)
	if !to.IsOrigin() {
		idx := indexOfHash(suffix, to.Hash)
		if idx < 0 {
			return nil, &immutable.MissingBlockError{Point: to}
		}
		endIdx = idx + 1
	}
	if startIdx >= endIdx {
		return nil, immutable.ErrEmptyRange
	}
	return append([]chain.Header{}, suffix[startIdx:endIdx]...), nil
}

func indexOfHash(suffix []chain.Header, h chain.Hash) int {
	for i, hdr := range suffix {
		if hdr.H == h {
			return i
		}
	}
	return -1
}

// Next returns the next (point, value, source), or ok=false once exhausted.
func (it *Iterator) Next() (chain.Point, interface{}, Source, bool, error) {
	if it.closed {
		return chain.Point{}, nil, 0, false, nil
	}
	if it.immIter != nil {
		p, v, ok, err := it.immIter.Next()
		if err != nil {
			return chain.Point{}, nil, 0, false, err
		}
		if ok {
			return p, v, SourceImmDB, true, nil
		}
		it.immIter = nil // immutable side drained, fall through to volatile tail
	}
	return it.nextFromVolatile()
}

func (it *Iterator) nextFromVolatile() (chain.Point, interface{}, Source, bool, error) {
	if it.volPos >= len(it.volTail) {
		return chain.Point{}, nil, 0, false, nil
	}
	hdr := it.volTail[it.volPos]

	block, ok := it.vol.Get(hdr.H)
	if ok {
		it.volPos++
		return hdr.Point(), it.materialize(hdr, block), SourceVolDB, true, nil
	}

	// Block vanished from the VolatileDB; check whether it was copied to
	// the ImmutableDB in the meantime (spec §4.6 "BlockWasCopiedToImmDB").
	v, found, err := it.imm.GetBlockComponent(hdr.Point(), it.component)
	if err != nil {
		return chain.Point{}, nil, 0, false, err
	}
	if found {
		it.volPos++
		return hdr.Point(), v, SourceImmDB, true, nil
	}

	it.closed = true
	return chain.Point{}, nil, 0, false, fmt.Errorf("%w: %s", ErrBlockGCed, hdr.H)
}

func (it *Iterator) materialize(hdr chain.Header, block *chain.Block) interface{} {
	switch it.component {
	case immutable.ComponentHeader:
		return &hdr
	default:
		return block
	}
}

// Close releases the iterator's resources. Idempotent.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.reg != nil {
		it.reg.Deregister(it.handle)
	}
	if it.immIter != nil {
		return it.immIter.Close()
	}
	return nil
}
