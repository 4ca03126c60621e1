package ledger

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fmaste/cardano-world/chain"
)

type snapshotCandidate struct {
	point chain.Point
	path  string
}

// snapshotStore manages the ledger/ directory's {slot}_{hash} files
// described by spec §6 "On-disk layout".
type snapshotStore struct {
	dir    string
	retain int
}

func newSnapshotStore(dir string, retain int) *snapshotStore {
	return &snapshotStore{dir: dir, retain: retain}
}

func snapshotFileName(p chain.Point) string {
	return fmt.Sprintf("%d_%s", p.Slot, p.Hash)
}

func (s *snapshotStore) path(p chain.Point) string {
	return filepath.Join(s.dir, snapshotFileName(p))
}

// write persists data for point atomically: write to a .tmp file, fsync,
// then rename over the final name (spec §4.3 "atomically via
// write-to-temp-then-rename").
func (s *snapshotStore) write(p chain.Point, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	final := s.path(p)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return s.prune()
}

// prune keeps only the retain most recent snapshots by slot.
func (s *snapshotStore) prune() error {
	all, err := s.list()
	if err != nil {
		return err
	}
	if len(all) <= s.retain {
		return nil
	}
	for _, c := range all[s.retain:] {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot %s: %w", c.path, err)
		}
	}
	return nil
}

// list returns every snapshot candidate, newest (highest slot) first.
func (s *snapshotStore) list() ([]snapshotCandidate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []snapshotCandidate
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		var slot uint64
		var hashStr string
		if _, err := fmt.Sscanf(name, "%d_%s", &slot, &hashStr); err != nil {
			continue
		}
		hashBytes, err := hashFromHex(hashStr)
		if err != nil {
			continue
		}
		out = append(out, snapshotCandidate{
			point: chain.NewPoint(chain.Slot(slot), hashBytes),
			path:  filepath.Join(s.dir, name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].point.Slot > out[j].point.Slot })
	return out, nil
}

func (s *snapshotStore) read(c snapshotCandidate) ([]byte, error) {
	return os.ReadFile(c.path)
}

func (s *snapshotStore) remove(c snapshotCandidate) error {
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func hashFromHex(s string) (chain.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return chain.Hash{}, err
	}
	return chain.HashFromBytes(b)
}
