package addblock_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/addblock"
	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/ledger"
	"github.com/fmaste/cardano-world/storage/volatile"
)

type fixedClock chain.Slot

func (c fixedClock) CurrentSlot() chain.Slot { return chain.Slot(c) }

type countRules struct{}

func (countRules) Genesis() ledger.LedgerState { return 0 }
func (countRules) Apply(state ledger.LedgerState, block *chain.Block) (ledger.LedgerState, error) {
	return state.(int) + 1, nil
}
func (countRules) Encode(state ledger.LedgerState) ([]byte, error) { return nil, nil }
func (countRules) Decode(b []byte) (ledger.LedgerState, error)     { return 0, nil }

type noReplay struct{}

func (noReplay) ReplayFrom(from, to chain.Point) ([]*chain.Block, error) {
	if !from.Equal(to) {
		return nil, fmt.Errorf("no blocks available")
	}
	return nil, nil
}

type capturingNotifier struct {
	calls int
}

func (n *capturingNotifier) NotifyChainSwitch(newChain *chain.AnchoredFragment[chain.Header], rollback chain.Point, adopted []chain.Header) {
	n.calls++
}

func mkBlock(tag byte, slot chain.Slot, no chain.BlockNo, prev chain.Hash) *chain.Block {
	var h chain.Hash
	h[0] = tag
	return &chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: prev}}
}

func TestPipelineSubmitAndProcess(t *testing.T) {
	vol, err := volatile.Open(t.TempDir(), 100, false, nil, zerolog.Nop())
	require.NoError(t, err)
	defer vol.Close()
	led, err := ledger.Open(ledger.Config{K: 10, SnapshotDir: t.TempDir()}, countRules{}, noReplay{}, chain.OriginValue[chain.Point](), zerolog.Nop())
	require.NoError(t, err)
	defer led.Close()

	notifier := &capturingNotifier{}
	state := addblock.NewChainState(chain.NewAnchoredFragment[chain.Header](chain.Origin, 0))
	state.Subscribe(notifier)
	p := addblock.New(addblock.Config{K: 10, ClockSkewSlots: 5}, vol, led, state, fixedClock(100), chain.LongestChain{}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	b1 := mkBlock(1, 1, 1, chain.ZeroHash)
	promise, err := p.Submit(b1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, promise.WaitWrittenToDisk(ctx))
	require.NoError(t, promise.WaitProcessed(ctx))

	require.Equal(t, chain.BlockNo(1), state.TipBlockNo())
	require.Equal(t, 1, notifier.calls)
}

func TestPipelineRejectsFarFutureBlock(t *testing.T) {
	vol, err := volatile.Open(t.TempDir(), 100, false, nil, zerolog.Nop())
	require.NoError(t, err)
	defer vol.Close()
	led, err := ledger.Open(ledger.Config{K: 10, SnapshotDir: t.TempDir()}, countRules{}, noReplay{}, chain.OriginValue[chain.Point](), zerolog.Nop())
	require.NoError(t, err)
	defer led.Close()

	state := addblock.NewChainState(chain.NewAnchoredFragment[chain.Header](chain.Origin, 0))
	p := addblock.New(addblock.Config{K: 10, ClockSkewSlots: 5}, vol, led, state, fixedClock(1), chain.LongestChain{}, zerolog.Nop())

	farFuture := mkBlock(1, 1000, 1, chain.ZeroHash)
	_, err = p.Submit(farFuture)
	require.ErrorIs(t, err, addblock.ErrClockSkew)
}

func TestCopyTaskMovesOldEntriesToImmutable(t *testing.T) {
	vol, err := volatile.Open(t.TempDir(), 100, false, nil, zerolog.Nop())
	require.NoError(t, err)
	defer vol.Close()
	led, err := ledger.Open(ledger.Config{K: 10, SnapshotDir: t.TempDir()}, countRules{}, noReplay{}, chain.OriginValue[chain.Point](), zerolog.Nop())
	require.NoError(t, err)
	defer led.Close()
	imm, err := immutable.Open(t.TempDir(), immutable.FixedEpochChunkInfo{SlotsPerEpoch: 1000}, immutable.ValidateAllChunks, true, nil, zerolog.Nop())
	require.NoError(t, err)
	defer imm.Close()

	state := addblock.NewChainState(chain.NewAnchoredFragment[chain.Header](chain.Origin, 0))
	p := addblock.New(addblock.Config{K: 1, ClockSkewSlots: 5}, vol, led, state, fixedClock(100), chain.LongestChain{}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	var prev chain.Hash
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := byte(1); i <= 3; i++ {
		b := mkBlock(i, chain.Slot(i), chain.BlockNo(i), prev)
		promise, err := p.Submit(b)
		require.NoError(t, err)
		require.NoError(t, promise.WaitProcessed(ctx))
		prev = b.Header.H
	}
	require.Equal(t, chain.BlockNo(3), state.TipBlockNo())

	copyTask := addblock.NewCopyTask(state, imm, vol, 1, 0, time.Hour, zerolog.Nop())
	require.NoError(t, copyTask.RunOnce())

	tip := imm.GetTip()
	require.True(t, tip.Present)
	require.Equal(t, chain.BlockNo(1), tip.Value.BlockNo)
	require.Equal(t, 2, state.CurrentChain().Len())
}
