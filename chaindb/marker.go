package chaindb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	markerFileName = "protocolMagicId"
	cleanFileName  = "clean"
)

// acquireLock takes the advisory exclusive lock file at the DB root, per
// spec §6 "lock — advisory exclusive lock file preventing two processes
// sharing the root", grounded on the teacher's utils/io.FileLock wrapper
// around github.com/gofrs/flock.
func acquireLock(root string) (*flock.Flock, error) {
	lockPath := filepath.Join(root, "lock")
	lk := flock.New(lockPath)
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("chaindb: acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, &LockHeldError{Path: lockPath}
	}
	return lk, nil
}

// checkOrWriteMarker implements spec §6's DB-marker contract: on open, if
// root is empty write protocolMagicId with the configured magic; else read
// it back and fail DbMarkerMismatchError if it disagrees.
func checkOrWriteMarker(root string, magic uint32, rootWasEmpty bool) error {
	path := filepath.Join(root, markerFileName)
	if rootWasEmpty {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, magic)
		return os.WriteFile(path, buf, 0o644)
	}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// pre-existing root from a version that never wrote a marker;
		// adopt the configured magic rather than fail, mirroring the
		// same "write-if-absent" leniency the teacher applies to its own
		// bootstrap marker files.
		buf = make([]byte, 4)
		binary.BigEndian.PutUint32(buf, magic)
		return os.WriteFile(path, buf, 0o644)
	}
	if err != nil {
		return fmt.Errorf("chaindb: read marker: %w", err)
	}
	if len(buf) != 4 {
		return fmt.Errorf("chaindb: marker file %s is corrupt", path)
	}
	found := binary.BigEndian.Uint32(buf)
	if found != magic {
		return &DbMarkerMismatchError{Expected: magic, Found: found}
	}
	return nil
}

// cleanShutdownMarkerPresent reports whether the "clean" zero-byte marker
// from the previous run is present, per spec §6's fast-path validation
// switch.
func cleanShutdownMarkerPresent(root string) bool {
	_, err := os.Stat(filepath.Join(root, cleanFileName))
	return err == nil
}

func removeCleanMarker(root string) error {
	err := os.Remove(filepath.Join(root, cleanFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeCleanMarker(root string) error {
	return os.WriteFile(filepath.Join(root, cleanFileName), nil, 0o644)
}

func dirIsEmpty(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
