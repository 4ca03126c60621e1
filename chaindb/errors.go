package chaindb

import (
	"errors"
	"fmt"
)

// ErrClosed is spec §7 category 4's ClosedDBError: returned by every
// operation on a handle whose Close has already run.
var ErrClosed = errors.New("chaindb: database is closed")

// DbMarkerMismatchError is spec §6's DB-marker contract violation: the
// root's protocolMagicId disagrees with the magic this process was
// configured with, which would otherwise point the node at a DB belonging
// to a different network.
type DbMarkerMismatchError struct {
	Expected, Found uint32
}

func (e *DbMarkerMismatchError) Error() string {
	return fmt.Sprintf("chaindb: protocol magic mismatch: expected %d, found %d", e.Expected, e.Found)
}

// LockHeldError is returned by Open when another process already holds the
// advisory lock file under the DB root (spec §6 "lock").
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("chaindb: lock file %s is held by another process", e.Path)
}
