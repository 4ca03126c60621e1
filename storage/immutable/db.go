// Package immutable implements spec §4.1's ImmutableDB: the append-only,
// chunked on-disk log that stores the chain's prefix up to the immutable
// tip.
//
// It is modeled on the teacher's storage engines in layout and error
// handling (storage/badger/*.go's thin wrapper + LRU cache over a
// durable store) but the on-disk format itself is this spec's own: fixed
// chunks of framed blobs plus a fixed-size secondary index, since the
// spec explicitly constrains layout rather than delegating to a KV
// engine.
package immutable

import (
	"fmt"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
)

// TipInfo is the WithOrigin<(Point, blockNo, isEBB)> returned by GetTip.
type TipInfo struct {
	Point   chain.Point
	BlockNo chain.BlockNo
	IsEBB   bool
}

type location struct {
	chunk uint32
	idx   uint32
}

// ImmutableDB is the handle described by spec §4.1.
type ImmutableDB struct {
	mu        sync.RWMutex
	root      string
	chunkInfo ChunkInfo
	log       zerolog.Logger
	metrics   CacheMetrics
	closed    bool

	chunks    map[uint32]*chunkIndex
	hashIndex map[chain.Hash]location
	tip       chain.WithOrigin[TipInfo]

	curChunk     uint32
	hasCurChunk  bool
	curBlobs     *os.File
	curSecondary *os.File

	blockCache *lru.Cache // chain.Hash -> *chain.Block
}

// Open opens or creates the ImmutableDB rooted at dir. cleanShutdown should
// be true iff the DB-level "clean" marker was present, which per spec §6
// "Validation policy (startup)" overrides ValidateMostRecentChunk/NoValidation
// up to ValidateAllChunks when false.
func Open(dir string, chunkInfo ChunkInfo, policy ValidationPolicy, cleanShutdown bool, metrics CacheMetrics, log zerolog.Logger) (*ImmutableDB, error) {
	if metrics == nil {
		metrics = noopCacheMetrics{}
	}
	if !cleanShutdown && policy != ValidateAllChunks {
		policy = ValidateAllChunks
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("immutable: create root: %w", err)
	}
	cache, _ := lru.New(1024)
	db := &ImmutableDB{
		root:      dir,
		chunkInfo: chunkInfo,
		log:       log.With().Str("component", "immutabledb").Logger(),
		metrics:   metrics,
		chunks:    make(map[uint32]*chunkIndex),
		hashIndex: make(map[chain.Hash]location),
		tip:       chain.OriginValue[TipInfo](),
		blockCache: cache,
	}
	if err := db.recover(policy); err != nil {
		return nil, err
	}
	if err := db.openCurrentChunkForAppend(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *ImmutableDB) existingChunkIndices() ([]uint32, error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("immutable: list root: %w", err)
	}
	seen := map[uint32]bool{}
	for _, e := range entries {
		var idx uint32
		if _, err := fmt.Sscanf(e.Name(), "%06d.secondary", &idx); err == nil {
			seen[idx] = true
		}
	}
	out := make([]uint32, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// openCurrentChunkForAppend opens (creating if necessary) the blobs and
// secondary files for db.curChunk in append mode.
func (db *ImmutableDB) openCurrentChunkForAppend() error {
	if !db.hasCurChunk {
		db.curChunk = 0
		db.hasCurChunk = true
		if _, ok := db.chunks[0]; !ok {
			db.chunks[0] = newChunkIndex()
		}
	}
	blobs, err := os.OpenFile(chunkBlobsPath(db.root, db.curChunk), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("immutable: open blobs file: %w", err)
	}
	secondary, err := os.OpenFile(chunkSecondaryPath(db.root, db.curChunk), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		blobs.Close()
		return fmt.Errorf("immutable: open secondary file: %w", err)
	}
	db.curBlobs = blobs
	db.curSecondary = secondary
	return nil
}

func (db *ImmutableDB) closeCurrentChunkAppendHandles() error {
	var err error
	if db.curBlobs != nil {
		if e := db.curBlobs.Sync(); e != nil {
			err = e
		}
		if e := db.curBlobs.Close(); e != nil && err == nil {
			err = e
		}
		db.curBlobs = nil
	}
	if db.curSecondary != nil {
		if e := db.curSecondary.Sync(); e != nil {
			err = e
		}
		if e := db.curSecondary.Close(); e != nil && err == nil {
			err = e
		}
		db.curSecondary = nil
	}
	return err
}

// Append stores block as the new tip, per spec §4.1 append.
func (db *ImmutableDB) Append(block *chain.Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	h := &block.Header
	if db.tip.Present {
		if h.PrevHash != db.tip.Value.Point.Hash {
			return fmt.Errorf("%w: prevHash %s != tip %s", ErrAppendOutOfOrder, h.PrevHash, db.tip.Value.Point.Hash)
		}
		if h.Slot <= db.tip.Value.Point.Slot {
			return fmt.Errorf("%w: slot %d <= tip slot %d", ErrAppendOutOfOrder, h.Slot, db.tip.Value.Point.Slot)
		}
	} else if !chain.IsGenesisParent(h.PrevHash) {
		return fmt.Errorf("%w: first block must have genesis parent", ErrAppendOutOfOrder)
	}

	targetChunk := db.chunkInfo.ChunkForSlot(h.Slot)
	if targetChunk < db.curChunk {
		return fmt.Errorf("%w: slot %d resolves to chunk %d behind current chunk %d", ErrAppendOutOfOrder, h.Slot, targetChunk, db.curChunk)
	}
	if targetChunk > db.curChunk {
		if err := db.rollToChunk(targetChunk); err != nil {
			return err
		}
	}

	offsetBefore, err := db.curBlobs.Seek(0, os.SEEK_CUR)
	if err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: %v", ErrUnexpectedIO, err)
	}
	headerOffset, headerSize, _, err := writeBlobRecord(db.curBlobs, block)
	if err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: write blob: %v", ErrUnexpectedIO, err)
	}
	if err := db.curBlobs.Sync(); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: fsync blobs: %v", ErrUnexpectedIO, err)
	}

	rec := secondaryRecord{
		OffsetInBlobs: uint64(offsetBefore),
		HeaderOffset:  headerOffset,
		HeaderSize:    headerSize,
		Hash:          h.H,
		IsEBB:         h.IsEBB,
	}
	if _, err := db.curSecondary.Write(rec.encode()); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: write secondary: %v", ErrUnexpectedIO, err)
	}
	if err := db.curSecondary.Sync(); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: fsync secondary: %v", ErrUnexpectedIO, err)
	}

	relSlot := uint64(h.Slot - db.chunkInfo.FirstSlotOfChunk(db.curChunk))
	idx := db.chunks[db.curChunk]
	entryIdx := uint32(len(idx.records))
	idx.appendEntry(rec, *h, relSlot)

	if err := writePrimaryFile(db.root, db.curChunk, idx.primary); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: write primary index: %v", ErrUnexpectedIO, err)
	}

	db.hashIndex[h.H] = location{chunk: db.curChunk, idx: entryIdx}
	db.tip = chain.Present(TipInfo{Point: h.Point(), BlockNo: h.BlockNo, IsEBB: h.IsEBB})
	db.blockCache.Add(h.H, block)

	db.log.Debug().Str("hash", h.H.String()).Uint64("slot", uint64(h.Slot)).Uint64("block_no", uint64(h.BlockNo)).Msg("appended block")
	return nil
}

func (db *ImmutableDB) rollToChunk(target uint32) error {
	if err := db.closeCurrentChunkAppendHandles(); err != nil {
		db.fatal(err)
		return fmt.Errorf("%w: close chunk %d: %v", ErrUnexpectedIO, db.curChunk, err)
	}
	db.curChunk = target
	if _, ok := db.chunks[target]; !ok {
		db.chunks[target] = newChunkIndex()
	}
	return db.openCurrentChunkForAppend()
}

// fatal marks the DB closed on an unexpected I/O error, per spec §7
// category 4: "Write failures raise UnexpectedIOError, which is fatal to
// the DB."
func (db *ImmutableDB) fatal(err error) {
	db.log.Error().Err(err).Msg("unexpected I/O error, closing immutable DB")
	db.closed = true
}

// GetTip returns the current tip, per spec §4.1.
func (db *ImmutableDB) GetTip() chain.WithOrigin[TipInfo] {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tip
}

// GetBlockComponent looks up a point and materializes the requested
// component, per spec §4.1. Returns (nil, false, nil) for an unknown point
// (not an error, per spec §4.1 "Unknown slots/hashes are not errors").
func (db *ImmutableDB) GetBlockComponent(point chain.Point, component Component) (interface{}, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, ErrClosed
	}
	if point.IsOrigin() {
		return nil, false, nil
	}
	loc, ok := db.hashIndex[point.Hash]
	if !ok {
		return nil, false, nil
	}
	return db.readComponentLocked(loc, component)
}

func (db *ImmutableDB) readComponentLocked(loc location, component Component) (interface{}, bool, error) {
	idx := db.chunks[loc.chunk]
	rec := idx.records[loc.idx]
	header := idx.headers[loc.idx]

	switch component {
	case ComponentHeader:
		return &header, true, nil
	case ComponentSize:
		return uint32(rec.HeaderSize) + uint32(header.BlockSizeHint), true, nil
	}

	if block, ok := db.blockCache.Get(header.H); ok {
		db.metrics.CacheHit()
		b := block.(*chain.Block)
		if component == ComponentRawBytes {
			return encodeHeader(&b.Header), true, nil
		}
		return b, true, nil
	}
	db.metrics.CacheMiss()

	f, err := os.Open(chunkBlobsPath(db.root, loc.chunk))
	if err != nil {
		return nil, false, fmt.Errorf("%w: open blobs for read: %v", ErrDatabaseCorruption, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(rec.OffsetInBlobs), os.SEEK_SET); err != nil {
		return nil, false, fmt.Errorf("%w: seek blobs: %v", ErrDatabaseCorruption, err)
	}
	block, _, err := readBlobRecord(f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read block at %s: %v", ErrDatabaseCorruption, header.H, err)
	}
	db.blockCache.Add(header.H, block)

	if component == ComponentRawBytes {
		return encodeHeader(&block.Header), true, nil
	}
	return block, true, nil
}

// Close releases all resources. Subsequent operations fail with ErrClosed.
func (db *ImmutableDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.closeCurrentChunkAppendHandles()
}
