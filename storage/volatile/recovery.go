package volatile

import (
	"fmt"
	"io"
	"os"
)

// recover scans every existing segment file in order, parsing block by
// block; a truncated trailing block truncates the file (spec §4.2
// "Recovery"). With validateAll, each parsed block is also checked against
// predicate.
func (db *VolatileDB) recover(validateAll bool, predicate ValidatePredicate) error {
	ids, err := db.existingSegmentIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, consistentBytes, err := db.loadSegment(id, validateAll, predicate)
		if err != nil {
			return fmt.Errorf("volatile: recover segment %d: %w", id, err)
		}
		if n == 0 {
			if err := os.Remove(segmentPath(db.root, id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("volatile: remove empty segment %d: %w", id, err)
			}
			continue
		}
		if err := os.Truncate(segmentPath(db.root, id), consistentBytes); err != nil {
			return fmt.Errorf("volatile: truncate segment %d: %w", id, err)
		}
		db.segments[id] = &segment{id: id, count: n, liveLeft: n}
		db.curSeg = id
	}
	return nil
}

func (db *VolatileDB) loadSegment(id uint64, validateAll bool, predicate ValidatePredicate) (int, int64, error) {
	f, err := os.Open(segmentPath(db.root, id))
	if err != nil {
		return 0, 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var consistentBytes int64
	count := 0
	for {
		block, n, err := readBlockRecord(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			db.log.Warn().Uint64("segment", id).Err(err).Msg("truncating volatile segment: malformed trailing block")
			break
		}
		if validateAll && predicate != nil && !predicate(block) {
			db.log.Warn().Uint64("segment", id).Str("hash", block.Header.H.String()).Msg("truncating volatile segment: block failed integrity check")
			break
		}
		db.indexBlock(block, id)
		consistentBytes += int64(n)
		count++
	}
	return count, consistentBytes, nil
}
