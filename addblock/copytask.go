package addblock

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// CopyTask is spec §4.4's background copy-to-immutable task: it peels
// entries older than k blocks off the in-memory chain, appends them to the
// ImmutableDB, then schedules the corresponding VolatileDB garbage
// collection after gcDelay has elapsed (spec §4.4 "... after a configurable
// delay, to give slow readers a chance to finish reading them from the
// VolatileDB first").
type CopyTask struct {
	state *ChainState
	imm   *immutable.ImmutableDB
	vol   *volatile.VolatileDB
	k     uint64

	gcDelay  time.Duration
	interval time.Duration
	log      zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewCopyTask(state *ChainState, imm *immutable.ImmutableDB, vol *volatile.VolatileDB, k uint64, gcDelay, interval time.Duration, log zerolog.Logger) *CopyTask {
	if interval <= 0 {
		interval = time.Second
	}
	return &CopyTask{
		state:    state,
		imm:      imm,
		vol:      vol,
		k:        k,
		gcDelay:  gcDelay,
		interval: interval,
		log:      log.With().Str("component", "copytask").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (t *CopyTask) Start() {
	go t.loop()
}

func (t *CopyTask) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *CopyTask) loop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.RunOnce(); err != nil {
				t.log.Error().Err(err).Msg("copy-to-immutable pass failed")
			}
		}
	}
}

// RunOnce copies every chain entry more than k blocks behind the tip into
// the ImmutableDB, then schedules a delayed VolatileDB GC up to the newly
// copied slot.
func (t *CopyTask) RunOnce() error {
	t.state.mu.Lock()
	tipNo := t.state.current.TipBlockNo()
	length := t.state.current.Len()
	overflow := 0
	if uint64(tipNo) > t.k && uint64(length) > 0 {
		// number of entries strictly older than k blocks behind the tip
		keepFromBlockNo := tipNo - chain.BlockNo(t.k)
		for _, e := range t.state.current.Entries() {
			if e.BlockNo < keepFromBlockNo {
				overflow++
			} else {
				break
			}
		}
	}
	var toCopy []chain.Header
	if overflow > 0 {
		toCopy = append(toCopy, t.state.current.DropOldest(overflow)...)
	}
	t.state.mu.Unlock()

	if len(toCopy) == 0 {
		return nil
	}

	var lastSlot chain.Slot
	for _, h := range toCopy {
		block, ok := t.vol.Get(h.H)
		if !ok {
			return fmt.Errorf("addblock: copy-to-immutable: block %s missing from volatile db", h.H)
		}
		if err := t.imm.Append(block); err != nil {
			return fmt.Errorf("addblock: copy-to-immutable: append %s: %w", h.H, err)
		}
		lastSlot = h.Slot
	}
	t.log.Debug().Int("count", len(toCopy)).Uint64("up_to_slot", uint64(lastSlot)).Msg("copied blocks to immutable db")

	if t.gcDelay <= 0 {
		return t.vol.GarbageCollect(lastSlot)
	}
	time.AfterFunc(t.gcDelay, func() {
		if err := t.vol.GarbageCollect(lastSlot); err != nil {
			t.log.Error().Err(err).Msg("delayed volatile db garbage collection failed")
		}
	})
	return nil
}
