package ledger_test

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/ledger"
)

// sumRules is a toy Rules implementation: the ledger state is just a
// running count of applied blocks, serialized as decimal ASCII.
type sumRules struct{}

func (sumRules) Genesis() ledger.LedgerState { return 0 }

func (sumRules) Apply(state ledger.LedgerState, block *chain.Block) (ledger.LedgerState, error) {
	return state.(int) + 1, nil
}

func (sumRules) Encode(state ledger.LedgerState) ([]byte, error) {
	return []byte(fmt.Sprintf("%d", state.(int))), nil
}

func (sumRules) Decode(b []byte) (ledger.LedgerState, error) {
	var n int
	_, err := fmt.Sscanf(string(b), "%d", &n)
	return n, err
}

type noReplay struct{}

func (noReplay) ReplayFrom(from, to chain.Point) ([]*chain.Block, error) {
	if !from.Equal(to) {
		return nil, fmt.Errorf("no blocks available to replay")
	}
	return nil, nil
}

func mkBlock(slot chain.Slot, no chain.BlockNo, prev chain.Hash, tag byte) *chain.Block {
	var h chain.Hash
	h[0] = tag
	return &chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: prev}}
}

func TestLedgerDBPushAndRewind(t *testing.T) {
	dir := t.TempDir()
	db, err := ledger.Open(ledger.Config{K: 2, SnapshotDir: dir}, sumRules{}, noReplay{}, chain.OriginValue[chain.Point](), zerolog.Nop())
	require.NoError(t, err)

	b1 := mkBlock(1, 1, chain.ZeroHash, 1)
	require.NoError(t, db.Push(b1))
	b2 := mkBlock(2, 2, b1.Header.H, 2)
	require.NoError(t, db.Push(b2))

	require.Equal(t, 2, db.Tip().State().(int))

	view, err := db.Rewind(b1.Point())
	require.NoError(t, err)
	require.Equal(t, 1, view.Tip().State().(int))

	_, err = db.Rewind(chain.NewPoint(99, chain.Hash{0xff}))
	require.Error(t, err)
}

func TestLedgerDBSnapshotAndRestore(t *testing.T) {
	dir := t.TempDir()
	db, err := ledger.Open(ledger.Config{K: 2, SnapshotDir: dir}, sumRules{}, noReplay{}, chain.OriginValue[chain.Point](), zerolog.Nop())
	require.NoError(t, err)

	b1 := mkBlock(1, 1, chain.ZeroHash, 1)
	require.NoError(t, db.Push(b1))
	b2 := mkBlock(2, 2, b1.Header.H, 2)
	require.NoError(t, db.Push(b2))
	b3 := mkBlock(3, 3, b2.Header.H, 3)
	require.NoError(t, db.Push(b3))
	// window (k+1=3) has now evicted genesis; the anchor is b1.
	require.NoError(t, db.Snapshot())

	db2, err := ledger.Open(ledger.Config{K: 2, SnapshotDir: dir}, sumRules{}, noReplay{}, chain.Present(b1.Point()), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, db2.Tip().State().(int))
}
