package immutable

import "github.com/fmaste/cardano-world/chain"

// chunkIndex is the in-memory mirror of one chunk's secondary and primary
// index files (spec §4.1 "Chunked layout").
type chunkIndex struct {
	records []secondaryRecord
	headers []chain.Header // decoded alongside records, used to rebuild primary and to validate ordering
	primary []uint32        // relative slot -> index into records, noPrimaryEntry for gaps
}

func newChunkIndex() *chunkIndex {
	return &chunkIndex{}
}

func (c *chunkIndex) empty() bool {
	return len(c.records) == 0
}

func (c *chunkIndex) lastHeader() chain.Header {
	return c.headers[len(c.headers)-1]
}

func (c *chunkIndex) appendEntry(rec secondaryRecord, h chain.Header, relSlot uint64) {
	idx := uint32(len(c.records))
	c.records = append(c.records, rec)
	c.headers = append(c.headers, h)
	if relSlot >= uint64(len(c.primary)) {
		grown := make([]uint32, relSlot+1)
		for i := len(c.primary); i < len(grown); i++ {
			grown[i] = noPrimaryEntry
		}
		copy(grown, c.primary)
		c.primary = grown
	}
	c.primary[relSlot] = idx
}

// truncateTo drops all but the first n records/headers. The caller is
// responsible for rebuilding the primary index (it needs the chunk's
// ChunkInfo to recompute relative slots).
func (c *chunkIndex) truncateTo(n int) {
	c.records = c.records[:n]
	c.headers = c.headers[:n]
	c.primary = nil
}

// rebuildPrimary recomputes the primary (relative-slot -> record index) map
// from the surviving headers, given the chunk's first slot.
func (c *chunkIndex) rebuildPrimary(firstSlot chain.Slot) {
	c.primary = nil
	for idx, h := range c.headers {
		relSlot := uint64(h.Slot - firstSlot)
		if relSlot >= uint64(len(c.primary)) {
			grown := make([]uint32, relSlot+1)
			for i := range grown {
				grown[i] = noPrimaryEntry
			}
			copy(grown, c.primary)
			c.primary = grown
		}
		c.primary[relSlot] = uint32(idx)
	}
}
