// Package chaindb wires the three storage engines, the add-block pipeline,
// chain selection, and the reader/iterator machinery behind the single
// ChainDB handle described by spec §6, mirroring the teacher's pattern of a
// top-level storage.All bundle (storage/badger/all.go) that owns every
// per-entity store and hands out one handle to the rest of the node.
package chaindb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/fmaste/cardano-world/addblock"
	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/internal/registry"
	"github.com/fmaste/cardano-world/reader"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/ledger"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// ChainDB is the handle exposed to the rest of the node (spec §6). It owns
// the three storage engines, the add-block pipeline, the copy-to-immutable
// background task, and the resource registry every reader/iterator it
// hands out is scoped to.
type ChainDB struct {
	cfg Config
	log zerolog.Logger

	lock *flock.Flock

	vol *volatile.VolatileDB
	imm *immutable.ImmutableDB
	led *ledger.LedgerDB

	state    *addblock.ChainState
	pipeline *addblock.Pipeline
	copyTask *addblock.CopyTask

	registry *registry.Registry
	closed   atomic.Bool
}

// Open stands up a ChainDB rooted at cfg.Root, creating it if absent and
// recovering it per spec §6 "Validation policy (startup)" otherwise.
func Open(cfg Config, log zerolog.Logger) (*ChainDB, error) {
	cfg = cfg.withDefaults()
	log = log.With().Str("component", "chaindb").Logger()

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("chaindb: create root: %w", err)
	}

	wasEmpty, err := dirIsEmpty(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("chaindb: inspect root: %w", err)
	}

	lk, err := acquireLock(cfg.Root)
	if err != nil {
		return nil, err
	}
	release := func() { _ = lk.Unlock() }

	if err := checkOrWriteMarker(cfg.Root, cfg.ProtocolMagic, wasEmpty); err != nil {
		release()
		return nil, err
	}

	cleanShutdown := cleanShutdownMarkerPresent(cfg.Root)
	if err := removeCleanMarker(cfg.Root); err != nil {
		release()
		return nil, fmt.Errorf("chaindb: remove clean marker: %w", err)
	}

	immPolicy := cfg.ImmValidationPolicy
	volValidateAll := cfg.VolValidateAll
	if !cleanShutdown {
		// spec §6: "When clean was absent at open, override to
		// ValidateAll/ValidateAll regardless of caller choice."
		immPolicy = immutable.ValidateAllChunks
		volValidateAll = true
	}

	imm, err := immutable.Open(filepath.Join(cfg.Root, "immutable"), cfg.ChunkInfo, immPolicy, cleanShutdown, cfg.ImmCacheMetrics, log)
	if err != nil {
		release()
		return nil, fmt.Errorf("chaindb: open immutable db: %w", err)
	}

	vol, err := volatile.Open(filepath.Join(cfg.Root, "volatile"), cfg.VolMaxBlocksPerFile, volValidateAll, cfg.VolValidate, log)
	if err != nil {
		_ = imm.Close()
		release()
		return nil, fmt.Errorf("chaindb: open volatile db: %w", err)
	}

	immTip := imm.GetTip()
	immTipPoint := chain.OriginValue[chain.Point]()
	anchorNo := chain.BlockNo(0)
	if immTip.Present {
		immTipPoint = chain.Present(immTip.Value.Point)
		anchorNo = immTip.Value.BlockNo
	}

	led, err := ledger.Open(ledger.Config{
		K:               cfg.K,
		SnapshotDir:     filepath.Join(cfg.Root, "ledger"),
		RetainSnapshots: cfg.LedgerRetainSnapshots,
	}, cfg.Rules, immutableReplaySource{imm: imm}, immTipPoint, log)
	if err != nil {
		_ = vol.Close()
		_ = imm.Close()
		release()
		return nil, fmt.Errorf("chaindb: open ledger db: %w", err)
	}

	anchor := chain.Origin
	if immTip.Present {
		anchor = immTip.Value.Point
	}
	initial := chain.NewAnchoredFragment[chain.Header](anchor, anchorNo)
	state := addblock.NewChainState(initial)

	pipeline := addblock.New(addblock.Config{
		K:              cfg.K,
		MaxQueueLen:    cfg.MaxQueueLen,
		ClockSkewSlots: cfg.ClockSkewSlots,
	}, vol, led, state, cfg.Clock, cfg.Order, log)

	// Rebuild the in-memory current chain fragment from whatever the
	// VolatileDB already holds (the fragment itself is never persisted).
	if err := pipeline.Reconcile(); err != nil {
		_ = led.Close()
		_ = vol.Close()
		_ = imm.Close()
		release()
		return nil, fmt.Errorf("chaindb: reconcile current chain on open: %w", err)
	}

	db := &ChainDB{
		cfg:      cfg,
		log:      log,
		lock:     lk,
		vol:      vol,
		imm:      imm,
		led:      led,
		state:    state,
		pipeline: pipeline,
		registry: registry.New(),
	}

	pipeline.Start()
	db.copyTask = addblock.NewCopyTask(state, imm, vol, cfg.K, cfg.GCDelay, cfg.CopyInterval, log)
	db.copyTask.Start()

	return db, nil
}

// AddBlock enqueues block per spec §6/§4.4, returning the two-stage promise.
func (db *ChainDB) AddBlock(block *chain.Block) (*addblock.AddBlockPromise, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.pipeline.Submit(block)
}

// GetCurrentChain returns a snapshot of the last <=k headers.
func (db *ChainDB) GetCurrentChain() (*chain.AnchoredFragment[chain.Header], error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.state.CurrentChain(), nil
}

// GetCurrentLedger returns the tip ledger view.
func (db *ChainDB) GetCurrentLedger() (ledger.LedgerView, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.led.Tip(), nil
}

// GetTipPoint is a cheap accessor for the current chain's tip point.
func (db *ChainDB) GetTipPoint() (chain.Point, error) {
	if db.closed.Load() {
		return chain.Point{}, ErrClosed
	}
	return db.state.TipPoint(), nil
}

// GetTipBlockNo is a cheap accessor for the current chain's tip block number.
func (db *ChainDB) GetTipBlockNo() (chain.BlockNo, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	return db.state.TipBlockNo(), nil
}

// GetTipHeader returns the header at the tip of the current chain, or
// false if the chain is still at its anchor.
func (db *ChainDB) GetTipHeader() (chain.Header, bool, error) {
	if db.closed.Load() {
		return chain.Header{}, false, ErrClosed
	}
	frag := db.state.CurrentChain()
	if frag.Empty() {
		return chain.Header{}, false, nil
	}
	return frag.At(frag.Len() - 1), true, nil
}

// GetBlock looks up a block by point across both the VolatileDB and the
// ImmutableDB, per spec §6.
func (db *ChainDB) GetBlock(p chain.Point) (*chain.Block, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	if p.IsOrigin() {
		return nil, false, nil
	}
	if b, ok := db.vol.Get(p.Hash); ok {
		return b, true, nil
	}
	v, ok, err := db.imm.GetBlockComponent(p, immutable.ComponentBlock)
	if err != nil || !ok {
		return nil, false, err
	}
	b, _ := v.(*chain.Block)
	return b, b != nil, nil
}

// GetIsFetched returns a predicate reporting whether point is already
// present in either storage layer, for the block-fetch decider's
// filter-already-fetched stage (spec §4.5 step 3, §6).
func (db *ChainDB) GetIsFetched() func(chain.Point) bool {
	return func(p chain.Point) bool {
		if p.IsOrigin() {
			return true
		}
		if _, ok := db.vol.GetBlockInfo(p.Hash); ok {
			return true
		}
		_, ok, _ := db.imm.GetBlockComponent(p, immutable.ComponentSize)
		return ok
	}
}

// Stream opens a range iterator over [from, to], per spec §4.6.
func (db *ChainDB) Stream(from, to chain.Point, component immutable.Component) (*reader.Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	suffix := db.state.CurrentChain().Entries()
	return reader.NewIterator(db.imm, db.vol, suffix, from, to, component, db.registry)
}

// NewReader opens a reader that follows the live chain, per spec §4.6.
func (db *ChainDB) NewReader(component immutable.Component) (*reader.Reader, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return reader.NewReader(db.imm, db.vol, db.state, component, db.registry), nil
}

// GetIsInvalidBlock returns a fingerprinted snapshot of the known-invalid
// blocks, for the network layer to reject invalid upstream blocks without
// re-deriving its own cache on every call (spec §3 InvalidBlocks, §6).
func (db *ChainDB) GetIsInvalidBlock() (InvalidBlockReasons, error) {
	if db.closed.Load() {
		return InvalidBlockReasons{}, ErrClosed
	}
	m, fp := db.pipeline.InvalidBlocks().Snapshot()
	return InvalidBlockReasons{Value: m, Fingerprint: fp}, nil
}

// Close implements spec §5's shutdown sequence: flip the handle to closed,
// kill background tasks, close every registered reader/iterator, then close
// the three storage layers in order VolatileDB -> LedgerDB -> ImmutableDB.
// A clean "clean" marker is written only if every step above succeeded, so
// a later open sees the fast validation path only after a genuinely clean
// shutdown.
func (db *ChainDB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error

	db.pipeline.Stop()
	db.copyTask.Stop()

	if err := db.registry.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.vol.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close volatile db: %w", err))
	}
	if err := db.led.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close ledger db: %w", err))
	}
	if err := db.imm.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close immutable db: %w", err))
	}

	if result.ErrorOrNil() == nil {
		if err := writeCleanMarker(db.cfg.Root); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := db.lock.Unlock(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
	}

	return result.ErrorOrNil()
}
