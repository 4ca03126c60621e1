// Package ledger implements spec §4.3's LedgerDB: the in-memory window of
// ledger states anchored at the immutable tip, with disk snapshots for fast
// restart.
//
// Structurally it mirrors how state/protocol/badger/snapshot.go in the
// teacher hands out read-only Snapshot views over a mutable chain of
// states, generalized to an explicit bounded window (spec's k+1 states)
// since the teacher's protocol state is a single mutable point rather than
// a rewindable window.
package ledger

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
)

type entry struct {
	point   chain.Point
	blockNo chain.BlockNo
	state   LedgerState
}

// LedgerDB is the handle described by spec §4.3. The zero value is not
// usable; construct with Open.
type LedgerDB struct {
	mu     sync.RWMutex
	k      uint64
	rules  Rules
	log    zerolog.Logger
	closed bool

	// states[0] is always the anchor (the state at the ImmutableDB tip, or
	// Genesis if the ImmutableDB is empty). len(states) <= k+1.
	states []entry

	snapshots *snapshotStore
}

// Config configures a LedgerDB instance.
type Config struct {
	K               uint64
	SnapshotDir     string
	RetainSnapshots int // minimum 2, per spec §4.3
}

// Open restores (or initializes) a LedgerDB, per spec §4.3 "restore()".
// replay is consulted to re-apply every block from the snapshot's point
// (exclusive) up to immutableTip (inclusive).
func Open(cfg Config, rules Rules, replay ReplaySource, immutableTip chain.WithOrigin[chain.Point], log zerolog.Logger) (*LedgerDB, error) {
	if cfg.RetainSnapshots < 2 {
		cfg.RetainSnapshots = 2
	}
	db := &LedgerDB{
		k:         cfg.K,
		rules:     rules,
		log:       log.With().Str("component", "ledgerdb").Logger(),
		snapshots: newSnapshotStore(cfg.SnapshotDir, cfg.RetainSnapshots),
	}
	if err := db.restore(replay, immutableTip); err != nil {
		return nil, err
	}
	return db, nil
}

// Tip returns a read-only view of the most recent state.
func (db *LedgerDB) Tip() LedgerView {
	db.mu.RLock()
	defer db.mu.RUnlock()
	last := db.states[len(db.states)-1]
	return ledgerView{point: last.point, state: last.state}
}

// AnchorPoint is the point of the oldest retained state (the immutable
// anchor): rewinding past this point always fails.
func (db *LedgerDB) AnchorPoint() chain.Point {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.states[0].point
}

// Push applies block to the tip state, extending the window. On failure
// the LedgerDB is left unchanged.
func (db *LedgerDB) Push(block *chain.Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	tip := db.states[len(db.states)-1]
	next, err := db.rules.Apply(tip.state, block)
	if err != nil {
		return &LedgerError{Block: block.Header.H, Err: err}
	}
	db.states = append(db.states, entry{point: block.Point(), blockNo: block.Header.BlockNo, state: next})
	if uint64(len(db.states)) > db.k+1 {
		db.states = append([]entry{}, db.states[uint64(len(db.states))-(db.k+1):]...)
	}
	return nil
}

// View is a detached, mutable working copy produced by Rewind. Validation
// during chain selection pushes trial blocks onto a View without touching
// the authoritative LedgerDB; Commit installs it back if validation
// succeeds (spec §4.4 "rewinding the LedgerDB to the fork point, applying
// blocks one-by-one").
type View struct {
	rules  Rules
	states []entry
}

func (v *View) Tip() LedgerView {
	last := v.states[len(v.states)-1]
	return ledgerView{point: last.point, state: last.state}
}

func (v *View) Push(block *chain.Block) error {
	tip := v.states[len(v.states)-1]
	next, err := v.rules.Apply(tip.state, block)
	if err != nil {
		return &LedgerError{Block: block.Header.H, Err: err}
	}
	v.states = append(v.states, entry{point: block.Point(), blockNo: block.Header.BlockNo, state: next})
	return nil
}

// Rewind returns a View whose tip is point. Fails with PointTooOldError if
// point precedes the anchor and is not itself the anchor (spec §4.3
// "Rewind invariant").
func (db *LedgerDB) Rewind(point chain.Point) (*View, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	for i, e := range db.states {
		if e.point.Equal(point) {
			kept := append([]entry{}, db.states[:i+1]...)
			return &View{rules: db.rules, states: kept}, nil
		}
	}
	return nil, &PointTooOldError{Point: point}
}

// Commit installs v as the authoritative state, trimming to the retained
// window. The caller (chain selection, under its single logical
// transaction) is responsible for ensuring v was rewound from this same
// LedgerDB's anchor.
func (db *LedgerDB) Commit(v *View) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	states := v.states
	if uint64(len(states)) > db.k+1 {
		states = append([]entry{}, states[uint64(len(states))-(db.k+1):]...)
	}
	db.states = states
	return nil
}

// Snapshot writes a serialized copy of the anchor state (the oldest
// retained state, which is guaranteed never to be rolled back) to disk,
// atomically via write-to-temp-then-rename, retaining the most recent N
// snapshots (spec §4.3 "snapshot()").
func (db *LedgerDB) Snapshot() error {
	db.mu.RLock()
	anchor := db.states[0]
	db.mu.RUnlock()
	if anchor.point.IsOrigin() {
		return nil // nothing durable to snapshot yet
	}
	bytes, err := db.rules.Encode(anchor.state)
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot: %w", err)
	}
	return db.snapshots.write(anchor.point, bytes)
}

func (db *LedgerDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
