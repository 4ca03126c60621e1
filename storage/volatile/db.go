// Package volatile implements spec §4.2's VolatileDB: the bounded,
// segment-file pool of recently received blocks that have not yet been
// judged immutable or garbage.
//
// Its shape follows the teacher's module/buffer.PendingBlocks backend
// (parentID-indexed, mutex-guarded map) for the in-memory indices, and
// storage/immutable's framing for the on-disk segment format, since the
// spec gives VolatileDB its own bounded-segment layout rather than a KV
// engine.
package volatile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
)

// BlockInfo is the cheap metadata view returned by GetBlockInfo.
type BlockInfo struct {
	Slot     chain.Slot
	BlockNo  chain.BlockNo
	PrevHash chain.Hash
	IsEBB    bool
}

type segment struct {
	id       uint64
	count    int
	liveLeft int
}

// VolatileDB is the handle described by spec §4.2.
type VolatileDB struct {
	mu     sync.RWMutex
	root   string
	log    zerolog.Logger
	closed bool

	maxBlocksPerFile int

	blocks     map[chain.Hash]*chain.Block
	info       map[chain.Hash]BlockInfo
	childrenOf map[chain.Hash]map[chain.Hash]struct{}
	bySlot     map[chain.Slot]map[chain.Hash]struct{}
	ownerSeg   map[chain.Hash]uint64

	segments  map[uint64]*segment
	curSeg    uint64
	curFile   *os.File
	nextSegID uint64
}

func segmentPath(root string, id uint64) string {
	return filepath.Join(root, fmt.Sprintf("blocks-%d.dat", id))
}

// ValidatePredicate is an externally supplied integrity check run against
// every block during a ValidateAll recovery pass (spec §4.2 "Recovery").
type ValidatePredicate func(*chain.Block) bool

// Open opens or creates the VolatileDB rooted at dir.
func Open(dir string, maxBlocksPerFile int, validateAll bool, predicate ValidatePredicate, log zerolog.Logger) (*VolatileDB, error) {
	if maxBlocksPerFile <= 0 {
		maxBlocksPerFile = 1000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("volatile: create root: %w", err)
	}
	db := &VolatileDB{
		root:             dir,
		log:              log.With().Str("component", "volatiledb").Logger(),
		maxBlocksPerFile: maxBlocksPerFile,
		blocks:           make(map[chain.Hash]*chain.Block),
		info:             make(map[chain.Hash]BlockInfo),
		childrenOf:       make(map[chain.Hash]map[chain.Hash]struct{}),
		bySlot:           make(map[chain.Slot]map[chain.Hash]struct{}),
		ownerSeg:         make(map[chain.Hash]uint64),
		segments:         make(map[uint64]*segment),
	}
	if err := db.recover(validateAll, predicate); err != nil {
		return nil, err
	}
	if err := db.openCurrentSegmentForAppend(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *VolatileDB) existingSegmentIDs() ([]uint64, error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("volatile: list root: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "blocks-%d.dat", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (db *VolatileDB) openCurrentSegmentForAppend() error {
	f, err := os.OpenFile(segmentPath(db.root, db.curSeg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("volatile: open segment %d: %w", db.curSeg, err)
	}
	db.curFile = f
	if _, ok := db.segments[db.curSeg]; !ok {
		db.segments[db.curSeg] = &segment{id: db.curSeg}
	}
	if db.nextSegID <= db.curSeg {
		db.nextSegID = db.curSeg + 1
	}
	return nil
}

// Put stores block, idempotent on hash. Returns BlockAlreadyHereError (not
// a hard failure) if already stored.
func (db *VolatileDB) Put(block *chain.Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	h := block.Header.H
	if _, ok := db.blocks[h]; ok {
		return BlockAlreadyHereError{}
	}

	seg := db.segments[db.curSeg]
	if seg.count >= db.maxBlocksPerFile {
		if err := db.rollSegment(); err != nil {
			return err
		}
		seg = db.segments[db.curSeg]
	}

	if _, err := writeBlockRecord(db.curFile, block); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: write block: %v", ErrUnexpectedIO, err)
	}
	if err := db.curFile.Sync(); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: fsync: %v", ErrUnexpectedIO, err)
	}

	db.indexBlock(block, db.curSeg)
	seg.count++
	seg.liveLeft++
	return nil
}

func (db *VolatileDB) indexBlock(block *chain.Block, segID uint64) {
	h := block.Header.H
	db.blocks[h] = block
	info := BlockInfo{
		Slot:     block.Header.Slot,
		BlockNo:  block.Header.BlockNo,
		PrevHash: block.Header.PrevHash,
		IsEBB:    block.Header.IsEBB,
	}
	db.info[h] = info
	db.ownerSeg[h] = segID
	if db.childrenOf[info.PrevHash] == nil {
		db.childrenOf[info.PrevHash] = make(map[chain.Hash]struct{})
	}
	db.childrenOf[info.PrevHash][h] = struct{}{}
	if db.bySlot[info.Slot] == nil {
		db.bySlot[info.Slot] = make(map[chain.Hash]struct{})
	}
	db.bySlot[info.Slot][h] = struct{}{}
}

func (db *VolatileDB) rollSegment() error {
	if err := db.curFile.Sync(); err != nil {
		return fmt.Errorf("%w: sync before roll: %v", ErrUnexpectedIO, err)
	}
	if err := db.curFile.Close(); err != nil {
		return fmt.Errorf("%w: close before roll: %v", ErrUnexpectedIO, err)
	}
	db.curSeg = db.nextSegID
	return db.openCurrentSegmentForAppend()
}

func (db *VolatileDB) fatal(err error) {
	db.log.Error().Err(err).Msg("unexpected I/O error, closing volatile DB")
	db.closed = true
}

// Get returns the block with hash h, if stored.
func (db *VolatileDB) Get(h chain.Hash) (*chain.Block, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	b, ok := db.blocks[h]
	return b, ok
}

// GetBlockInfo returns the cheap metadata for h.
func (db *VolatileDB) GetBlockInfo(h chain.Hash) (BlockInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	info, ok := db.info[h]
	return info, ok
}

// FilterByPredecessor is the critical operation for chain selection (spec
// §4.2): for every hash in roots, return the set of its direct successors
// currently stored.
func (db *VolatileDB) FilterByPredecessor(roots map[chain.Hash]struct{}) map[chain.Hash]map[chain.Hash]struct{} {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[chain.Hash]map[chain.Hash]struct{}, len(roots))
	for prev := range roots {
		children, ok := db.childrenOf[prev]
		if !ok {
			continue
		}
		set := make(map[chain.Hash]struct{}, len(children))
		for c := range children {
			set[c] = struct{}{}
		}
		out[prev] = set
	}
	return out
}

// SuccessorsOf returns the direct successors of h.
func (db *VolatileDB) SuccessorsOf(h chain.Hash) []chain.Hash {
	db.mu.RLock()
	defer db.mu.RUnlock()
	children := db.childrenOf[h]
	out := make([]chain.Hash, 0, len(children))
	for c := range children {
		out = append(out, c)
	}
	return out
}

// GarbageCollect removes every block with slot <= upTo, idempotent.
func (db *VolatileDB) GarbageCollect(upTo chain.Slot) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	toDelete := make([]chain.Hash, 0)
	for slot, hashes := range db.bySlot {
		if slot > upTo {
			continue
		}
		for h := range hashes {
			toDelete = append(toDelete, h)
		}
	}

	touchedSegs := make(map[uint64]struct{})
	for _, h := range toDelete {
		info := db.info[h]
		delete(db.blocks, h)
		delete(db.info, h)
		if set, ok := db.childrenOf[info.PrevHash]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(db.childrenOf, info.PrevHash)
			}
		}
		// db.childrenOf[h] (h's own children, if any successors are still
		// stored) is intentionally left intact: FilterByPredecessor is keyed
		// by parent hash and must keep resolving h's successors even after h
		// itself has been garbage collected.
		if set, ok := db.bySlot[info.Slot]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(db.bySlot, info.Slot)
			}
		}
		segID := db.ownerSeg[h]
		delete(db.ownerSeg, h)
		if seg, ok := db.segments[segID]; ok {
			seg.liveLeft--
			touchedSegs[segID] = struct{}{}
		}
	}

	for segID := range touchedSegs {
		seg := db.segments[segID]
		if seg.liveLeft <= 0 && segID != db.curSeg {
			if err := os.Remove(segmentPath(db.root, segID)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("volatile: delete drained segment %d: %w", segID, err)
			}
			delete(db.segments, segID)
		}
	}

	db.log.Debug().Uint64("up_to_slot", uint64(upTo)).Int("removed", len(toDelete)).Msg("garbage collected volatile blocks")
	return nil
}

// Close releases all resources.
func (db *VolatileDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.curFile == nil {
		return nil
	}
	if err := db.curFile.Sync(); err != nil {
		return err
	}
	return db.curFile.Close()
}
