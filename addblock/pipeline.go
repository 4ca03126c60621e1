package addblock

import (
	"fmt"
	"sync"

	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/chainsel"
	"github.com/fmaste/cardano-world/storage/ledger"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// Clock supplies the wall-clock slot used for clock-skew and future-block
// filtering, injected so tests don't depend on real time the way the
// teacher's module.SystemClock is swapped for a fake in unit tests.
type Clock interface {
	CurrentSlot() chain.Slot
}

// Config configures a Pipeline.
type Config struct {
	K              uint64
	MaxQueueLen    int // spec §4.4 "BlocksToAdd ... bounded"
	ClockSkewSlots chain.Slot
}

type pendingBlock struct {
	block   *chain.Block
	promise *AddBlockPromise
}

// Pipeline is spec §4.4's Add-Block Pipeline: a bounded FIFO plus a single
// background worker running chain selection, modeled on the teacher's
// module/buffer consumer loop but backed by github.com/ef-ds/deque for O(1)
// push/pop at both ends instead of a channel, since the queue here also
// needs a cheap Len() check for the bounded-queue rejection path.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	vol   *volatile.VolatileDB
	led   *ledger.LedgerDB
	state *ChainState
	clock Clock
	order chain.ChainOrder

	invalid *chainsel.InvalidBlocks
	future  *chainsel.FutureBlocks

	mu     sync.Mutex
	q      deque.Deque
	wakeCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg Config, vol *volatile.VolatileDB, led *ledger.LedgerDB, state *ChainState, clock Clock, order chain.ChainOrder, log zerolog.Logger) *Pipeline {
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = 1000
	}
	p := &Pipeline{
		cfg:     cfg,
		log:     log.With().Str("component", "addblock").Logger(),
		vol:     vol,
		led:     led,
		state:   state,
		clock:   clock,
		order:   order,
		invalid: chainsel.NewInvalidBlocks(),
		future:  chainsel.NewFutureBlocks(),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	return p
}

// InvalidBlocks exposes the pipeline's invalid-block ledger, e.g. for
// getIsInvalidBlock (spec §6).
func (p *Pipeline) InvalidBlocks() *chainsel.InvalidBlocks { return p.invalid }

// FutureBlocks exposes the parked-header set.
func (p *Pipeline) FutureBlocks() *chainsel.FutureBlocks { return p.future }

// Start launches the background worker goroutine.
func (p *Pipeline) Start() {
	go p.workerLoop()
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

var (
	// ErrQueueFull is returned by Submit when BlocksToAdd is at capacity.
	ErrQueueFull = fmt.Errorf("addblock: queue is full")
	// ErrClockSkew rejects a block whose slot is too far in the future to
	// even park, per spec §4.4 "pre-persistence filters".
	ErrClockSkew = fmt.Errorf("addblock: block slot too far in the future")
	// ErrTooOld rejects a block older than k blocks behind the tip.
	ErrTooOld = fmt.Errorf("addblock: block older than the immutable window")
)

// Submit runs the pre-persistence filters, stores the block in the
// VolatileDB, and enqueues it for chain-selection processing. The returned
// promise resolves WaitWrittenToDisk immediately (Submit does not return
// until that point) and WaitProcessed once a selection pass has run.
func (p *Pipeline) Submit(block *chain.Block) (*AddBlockPromise, error) {
	now := p.clock.CurrentSlot()
	if block.Header.Slot > now+p.cfg.ClockSkewSlots {
		return nil, ErrClockSkew
	}
	tipNo := p.state.TipBlockNo()
	if uint64(tipNo) > p.cfg.K && block.Header.BlockNo+chain.BlockNo(p.cfg.K) <= tipNo {
		return nil, ErrTooOld
	}
	if p.invalid.Has(block.Header.H) {
		return nil, fmt.Errorf("addblock: block %s is already known invalid", block.Header.H)
	}

	promise := newPromise()

	err := p.vol.Put(block)
	if _, already := err.(volatile.BlockAlreadyHereError); already {
		promise.resolveWritten()
		promise.resolveProcessed(nil)
		return promise, nil
	}
	if err != nil {
		return nil, fmt.Errorf("addblock: store block: %w", err)
	}
	promise.resolveWritten()

	p.mu.Lock()
	if p.q.Len() >= p.cfg.MaxQueueLen {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	p.q.PushBack(pendingBlock{block: block, promise: promise})
	p.mu.Unlock()

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return promise, nil
}

func (p *Pipeline) workerLoop() {
	defer close(p.doneCh)
	for {
		item, ok := p.popOne()
		if !ok {
			select {
			case <-p.stopCh:
				return
			case <-p.wakeCh:
				continue
			}
		}
		p.processOne(item)
	}
}

func (p *Pipeline) popOne() (pendingBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.q.PopFront()
	if !ok {
		return pendingBlock{}, false
	}
	return v.(pendingBlock), true
}

// Reconcile runs a single chain-selection pass with no triggering block,
// used by chaindb on Open to rebuild the in-memory current chain fragment
// from whatever the VolatileDB already holds after a restart (the fragment
// itself is never persisted; spec §9 open question (a) territory).
func (p *Pipeline) Reconcile() error {
	now := p.clock.CurrentSlot()
	deps := chainsel.Deps{
		Volatile: p.vol,
		Ledger:   p.led,
		Invalid:  p.invalid,
		Future:   p.future,
		Order:    p.order,
		K:        p.cfg.K,
		Log:      p.log,
	}
	_, err := p.state.runSelection(now, deps, p.log)
	return err
}

func (p *Pipeline) processOne(item pendingBlock) {
	now := p.clock.CurrentSlot()
	for _, h := range p.future.Ripe(now) {
		_ = h // ripe headers re-enter selection automatically: they are
		// already in the VolatileDB, chainsel.Run re-discovers them via
		// FilterByPredecessor on every pass.
	}

	deps := chainsel.Deps{
		Volatile: p.vol,
		Ledger:   p.led,
		Invalid:  p.invalid,
		Future:   p.future,
		Order:    p.order,
		K:        p.cfg.K,
		Log:      p.log,
	}
	_, err := p.state.runSelection(now, deps, p.log)
	if err != nil {
		p.log.Error().Err(err).Msg("chain selection failed")
		item.promise.resolveProcessed(err)
		return
	}
	if reason, ok := p.invalid.Get(item.block.Header.H); ok {
		item.promise.resolveProcessed(fmt.Errorf("addblock: block rejected: %s", reason.Reason))
		return
	}
	item.promise.resolveProcessed(nil)
}
