package ledger

import (
	"errors"
	"fmt"

	"github.com/fmaste/cardano-world/chain"
)

// LedgerError wraps a ledger transition failure from Rules.Apply, per spec
// §4.3 push.
type LedgerError struct {
	Block chain.Hash
	Err   error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger: applying block %s: %v", e.Block, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// PointTooOldError is returned by Rewind when the requested point predates
// the anchor, per spec §4.3 "Rewind invariant".
type PointTooOldError struct {
	Point chain.Point
}

func (e *PointTooOldError) Error() string {
	return fmt.Sprintf("ledger: point %s too old", e.Point)
}

var (
	// ErrNoValidSnapshot names the case where every snapshot on disk failed
	// to deserialize or replay. restore does not return it: it falls back
	// to replaying from genesis instead.
	ErrNoValidSnapshot = errors.New("ledger: no valid snapshot found")

	ErrClosed = errors.New("ledger: database is closed")
)
