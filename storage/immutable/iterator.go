package immutable

import (
	"sort"

	"github.com/fmaste/cardano-world/chain"
)

// Iterator streams (Point, component) pairs over [from, to] inclusive,
// per spec §4.1 streamFrom.
type Iterator struct {
	db        *ImmutableDB
	component Component
	plan      []location
	pos       int
	closed    bool
}

// StreamFrom resolves the range and returns a ready-to-use Iterator.
// Errors: *MissingBlockError if from's hash is unknown within range,
// ErrEmptyRange if the range holds nothing, *ForkTooOldError if from
// predates the ImmutableDB.
func (db *ImmutableDB) StreamFrom(from, to chain.Point, component Component) (*Iterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	chunkNos := make([]uint32, 0, len(db.chunks))
	for c := range db.chunks {
		chunkNos = append(chunkNos, c)
	}
	sort.Slice(chunkNos, func(i, j int) bool { return chunkNos[i] < chunkNos[j] })

	var all []location
	for _, c := range chunkNos {
		idx := db.chunks[c]
		for n := range idx.records {
			all = append(all, location{chunk: c, idx: uint32(n)})
		}
	}

	startAt := 0
	if !from.IsOrigin() {
		loc, ok := db.hashIndex[from.Hash]
		if !ok {
			if len(all) > 0 {
				firstHeader := db.chunks[all[0].chunk].headers[all[0].idx]
				if from.Slot < firstHeader.Slot {
					return nil, &ForkTooOldError{Point: from}
				}
			}
			return nil, &MissingBlockError{Point: from}
		}
		found := -1
		for i, l := range all {
			if l == loc {
				found = i
				break
			}
		}
		startAt = found
	}

	endAt := len(all)
	if !to.IsOrigin() {
		for i, l := range all {
			h := db.chunks[l.chunk].headers[l.idx]
			if h.Slot > to.Slot {
				endAt = i
				break
			}
		}
	}

	if startAt < 0 || startAt >= endAt {
		return nil, ErrEmptyRange
	}

	plan := append([]location{}, all[startAt:endAt]...)
	return &Iterator{db: db, component: component, plan: plan}, nil
}

// Next returns the next (Point, component value), or (zero, false, nil) when
// the iterator is exhausted.
func (it *Iterator) Next() (chain.Point, interface{}, bool, error) {
	if it.closed || it.pos >= len(it.plan) {
		return chain.Point{}, nil, false, nil
	}
	loc := it.plan[it.pos]
	it.db.mu.RLock()
	val, ok, err := it.db.readComponentLocked(loc, it.component)
	header := it.db.chunks[loc.chunk].headers[loc.idx]
	it.db.mu.RUnlock()
	if err != nil {
		return chain.Point{}, nil, false, err
	}
	it.pos++
	return header.Point(), val, ok, nil
}

func (it *Iterator) Close() error {
	it.closed = true
	return nil
}
