package immutable

import (
	"errors"
	"fmt"

	"github.com/fmaste/cardano-world/chain"
)

// MissingBlockError reports that a requested point could not be resolved
// within the requested range (spec §4.1 streamFrom).
type MissingBlockError struct {
	Point chain.Point
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("immutable: missing block at %s", e.Point)
}

// ForkTooOldError reports that a requested point predates the ImmutableDB,
// i.e. it was never on the adopted chain at this slot.
type ForkTooOldError struct {
	Point chain.Point
}

func (e *ForkTooOldError) Error() string {
	return fmt.Sprintf("immutable: fork too old at %s", e.Point)
}

var (
	// ErrEmptyRange is returned by StreamFrom when the resolved range holds
	// no blocks (e.g. the DB is empty, or to lies before from).
	ErrEmptyRange = errors.New("immutable: empty range")

	// ErrDatabaseCorruption is a category-3 error (spec §7): a read of a
	// block known to be present failed. It is fatal to the DB.
	ErrDatabaseCorruption = errors.New("immutable: database corruption")

	// ErrUnexpectedIO is a category-4 fatal error (spec §7): a write failed
	// for reasons outside the DB's control (disk full, permissions, ...).
	ErrUnexpectedIO = errors.New("immutable: unexpected I/O error")

	// ErrClosed is returned by any operation on a closed DB.
	ErrClosed = errors.New("immutable: database is closed")

	// ErrAppendOutOfOrder is returned by Append when the candidate block
	// does not chain onto the current tip.
	ErrAppendOutOfOrder = errors.New("immutable: append does not extend tip")
)
