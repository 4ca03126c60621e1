package chain

import "fmt"

// Entry is implemented by both Header and Block, so AnchoredFragment can be
// generic over either, matching spec §3's AnchoredFragment<T>.
type Entry interface {
	Header | Block
}

func entryPoint[T Entry](e T) Point {
	switch v := any(e).(type) {
	case Header:
		return v.Point()
	case Block:
		return v.Point()
	default:
		panic("chain: unreachable entry type")
	}
}

func entryHeader[T Entry](e T) Header {
	switch v := any(e).(type) {
	case Header:
		return v
	case Block:
		return v.Header
	default:
		panic("chain: unreachable entry type")
	}
}

// AnchoredFragment is an ordered sequence of T (blocks or headers) whose
// first element's PrevHash equals Anchor's hash. Adjacent elements have
// consecutive BlockNo and strictly increasing Slot (EBBs excepted, see
// spec §9).
type AnchoredFragment[T Entry] struct {
	Anchor   Point
	AnchorNo BlockNo // BlockNo of the block at Anchor, or 0 if Anchor is Origin
	entries  []T
}

// NewAnchoredFragment builds an empty fragment anchored at the given point.
func NewAnchoredFragment[T Entry](anchor Point, anchorNo BlockNo) *AnchoredFragment[T] {
	return &AnchoredFragment[T]{Anchor: anchor, AnchorNo: anchorNo}
}

func (f *AnchoredFragment[T]) Len() int {
	return len(f.entries)
}

func (f *AnchoredFragment[T]) Empty() bool {
	return len(f.entries) == 0
}

// TipPoint returns the point of the last entry, or the anchor if empty.
func (f *AnchoredFragment[T]) TipPoint() Point {
	if f.Empty() {
		return f.Anchor
	}
	return entryPoint(f.entries[len(f.entries)-1])
}

func (f *AnchoredFragment[T]) TipBlockNo() BlockNo {
	if f.Empty() {
		return f.AnchorNo
	}
	return entryHeader(f.entries[len(f.entries)-1]).BlockNo
}

func (f *AnchoredFragment[T]) At(i int) T {
	return f.entries[i]
}

func (f *AnchoredFragment[T]) Entries() []T {
	return f.entries
}

// AppendEntry appends e, checking the consecutive-BlockNo/increasing-Slot
// invariant against the current tip. Per the resolved EBB policy (spec
// §4.1, §9, DESIGN.md "EBB slot policy"), an EBB's slot is the epoch's
// first slot and the following ordinary block's slot must be strictly
// greater, so slots never literally collide and a plain strict increase
// check is sufficient here.
func (f *AnchoredFragment[T]) AppendEntry(e T) error {
	h := entryHeader(e)
	tipHash := f.Anchor.Hash
	tipNo := f.AnchorNo
	tipSlot, hasTip := Slot(0), false
	if !f.Empty() {
		prev := entryHeader(f.entries[len(f.entries)-1])
		tipHash = prev.H
		tipNo = prev.BlockNo
		tipSlot, hasTip = prev.Slot, true
	} else if !f.Anchor.IsOrigin() {
		tipHash = f.Anchor.Hash
	}
	if h.PrevHash != tipHash {
		return fmt.Errorf("chain: fragment append: prevHash %s does not match tip %s", h.PrevHash, tipHash)
	}
	if !f.Empty() || f.AnchorNo != 0 || !f.Anchor.IsOrigin() {
		if h.BlockNo != tipNo+1 {
			return fmt.Errorf("chain: fragment append: blockNo %d is not tip+1 (%d)", h.BlockNo, tipNo+1)
		}
	}
	if hasTip && h.Slot <= tipSlot {
		return fmt.Errorf("chain: fragment append: slot %d does not strictly increase past %d", h.Slot, tipSlot)
	}
	f.entries = append(f.entries, e)
	return nil
}

// DropOldest removes and returns the n oldest entries, re-anchoring the
// fragment at the point that preceded them. Used by the copy-to-immutable
// task to peel off the suffix older than k.
func (f *AnchoredFragment[T]) DropOldest(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > len(f.entries) {
		n = len(f.entries)
	}
	dropped := f.entries[:n]
	last := entryHeader(dropped[n-1])
	f.Anchor = last.Point()
	f.AnchorNo = last.BlockNo
	f.entries = append([]T{}, f.entries[n:]...)
	return dropped
}

// Clone returns an independent copy sharing no backing array with f, so
// the copy can be handed to a reader without risk of later mutation
// through f being observed.
func (f *AnchoredFragment[T]) Clone() *AnchoredFragment[T] {
	clone := &AnchoredFragment[T]{Anchor: f.Anchor, AnchorNo: f.AnchorNo}
	clone.entries = append([]T{}, f.entries...)
	return clone
}

// IndexOfHash returns the index of the entry with the given hash, or -1.
func (f *AnchoredFragment[T]) IndexOfHash(h Hash) int {
	for i, e := range f.entries {
		if entryHeader(e).H == h {
			return i
		}
	}
	return -1
}

// Suffix returns the entries from the given point (exclusive) to the tip,
// along with whether the point was found (on the fragment or equal to the
// anchor).
func (f *AnchoredFragment[T]) Suffix(p Point) ([]T, bool) {
	if f.Anchor.Equal(p) {
		return append([]T{}, f.entries...), true
	}
	idx := f.IndexOfHash(p.Hash)
	if idx < 0 {
		return nil, false
	}
	return append([]T{}, f.entries[idx+1:]...), true
}
