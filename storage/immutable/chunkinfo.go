package immutable

import "github.com/fmaste/cardano-world/chain"

// ChunkInfo maps slots to chunk indices. Implementations encode the
// network's epoch schedule; it is injectable so a schedule change never
// requires touching the storage engine (spec §4.1 "ChunkInfo maps slot ->
// chunk").
type ChunkInfo interface {
	// ChunkForSlot returns the chunk index that slot belongs to.
	ChunkForSlot(slot chain.Slot) uint32

	// FirstSlotOfChunk returns the first slot number covered by chunk i.
	FirstSlotOfChunk(i uint32) chain.Slot
}

// FixedEpochChunkInfo implements ChunkInfo for a network whose epoch
// length in slots never changes, which is the common case and the one the
// spec's "one chunk per epoch" wording describes.
type FixedEpochChunkInfo struct {
	SlotsPerEpoch uint64
}

func (f FixedEpochChunkInfo) ChunkForSlot(slot chain.Slot) uint32 {
	return uint32(uint64(slot) / f.SlotsPerEpoch)
}

func (f FixedEpochChunkInfo) FirstSlotOfChunk(i uint32) chain.Slot {
	return chain.Slot(uint64(i) * f.SlotsPerEpoch)
}
