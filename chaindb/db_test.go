package chaindb_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/chaindb"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/ledger"
)

type countRules struct{}

func (countRules) Genesis() ledger.LedgerState { return 0 }
func (countRules) Apply(state ledger.LedgerState, block *chain.Block) (ledger.LedgerState, error) {
	return state.(int) + 1, nil
}
func (countRules) Encode(state ledger.LedgerState) ([]byte, error) { return nil, nil }
func (countRules) Decode(b []byte) (ledger.LedgerState, error)     { return 0, nil }

type fixedClock chain.Slot

func (c fixedClock) CurrentSlot() chain.Slot { return chain.Slot(c) }

func mkBlock(tag byte, slot chain.Slot, no chain.BlockNo, prev chain.Hash) *chain.Block {
	var h chain.Hash
	h[0] = tag
	return &chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: prev}}
}

func testConfig(root string) chaindb.Config {
	return chaindb.Config{
		Root:                root,
		ProtocolMagic:       764824073,
		K:                   10,
		ClockSkewSlots:      100,
		ChunkInfo:           immutable.FixedEpochChunkInfo{SlotsPerEpoch: 1000},
		ImmValidationPolicy: immutable.ValidateAllChunks,
		Rules:               countRules{},
		Order:               chain.LongestChain{},
		Clock:               fixedClock(1000),
		CopyInterval:        time.Hour,
	}
}

func TestOpenAddBlockAndReadBack(t *testing.T) {
	db, err := chaindb.Open(testConfig(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	b1 := mkBlock(1, 1, 1, chain.ZeroHash)
	promise, err := db.AddBlock(b1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, promise.WaitWrittenToDisk(ctx))
	require.NoError(t, promise.WaitProcessed(ctx))

	tipNo, err := db.GetTipBlockNo()
	require.NoError(t, err)
	require.Equal(t, chain.BlockNo(1), tipNo)

	got, ok, err := db.GetBlock(b1.Point())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b1.Header.H, got.Header.H)

	fetched := db.GetIsFetched()
	require.True(t, fetched(b1.Point()))
	require.False(t, fetched(chain.NewPoint(99, chain.Hash{9})))
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	db, err := chaindb.Open(testConfig(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.AddBlock(mkBlock(1, 1, 1, chain.ZeroHash))
	require.ErrorIs(t, err, chaindb.ErrClosed)
}

func TestReopenAfterCleanCloseKeepsVolatileBlock(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	db, err := chaindb.Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	b1 := mkBlock(1, 1, 1, chain.ZeroHash)
	promise, err := db.AddBlock(b1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, promise.WaitProcessed(ctx))
	require.NoError(t, db.Close())

	db2, err := chaindb.Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()

	_, ok, err := db2.GetBlock(b1.Point())
	require.NoError(t, err)
	// b1 is within the last k blocks, so it was never copied to the
	// ImmutableDB and is found in the VolatileDB reloaded from disk on reopen.
	require.True(t, ok)
}

func TestMarkerMismatchRejectsOpen(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	db, err := chaindb.Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.ProtocolMagic = 1
	_, err = chaindb.Open(cfg, zerolog.Nop())
	require.Error(t, err)
	var mismatch *chaindb.DbMarkerMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestStreamAndNewReader(t *testing.T) {
	db, err := chaindb.Open(testConfig(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b1 := mkBlock(1, 1, 1, chain.ZeroHash)
	promise, err := db.AddBlock(b1)
	require.NoError(t, err)
	require.NoError(t, promise.WaitProcessed(ctx))

	r, err := db.NewReader(immutable.ComponentHeader)
	require.NoError(t, err)
	defer r.Close()
	update, err := r.InstructionBlocking(ctx)
	require.NoError(t, err)
	require.False(t, update.RollBack)
	require.Equal(t, b1.Header.H, update.Header.H)

	it, err := db.Stream(chain.Origin, b1.Point(), immutable.ComponentBlock)
	require.NoError(t, err)
	defer it.Close()
	_, _, _, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
}
