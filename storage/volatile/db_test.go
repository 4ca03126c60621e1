package volatile_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/volatile"
)

func mkBlock(slot chain.Slot, no chain.BlockNo, prev chain.Hash, tag byte) *chain.Block {
	var h chain.Hash
	h[0] = tag
	h[31] = byte(no)
	return &chain.Block{
		Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: prev},
		Body:   []byte{tag},
	}
}

func TestVolatileDBPutGetFilterGC(t *testing.T) {
	dir := t.TempDir()
	db, err := volatile.Open(dir, 2, false, nil, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	root := chain.ZeroHash
	b1 := mkBlock(1, 1, root, 1)
	b2 := mkBlock(2, 2, b1.Header.H, 2)
	fork := mkBlock(2, 2, b1.Header.H, 3) // competing block at the same height

	require.NoError(t, db.Put(b1))
	require.NoError(t, db.Put(b2))
	require.NoError(t, db.Put(fork))
	require.Error(t, db.Put(b1)) // BlockAlreadyHereError

	got, ok := db.Get(b2.Header.H)
	require.True(t, ok)
	require.Equal(t, b2.Body, got.Body)

	succ := db.FilterByPredecessor(map[chain.Hash]struct{}{b1.Header.H: {}})
	require.Len(t, succ[b1.Header.H], 2)

	require.NoError(t, db.GarbageCollect(1))
	_, ok = db.Get(b1.Header.H)
	require.False(t, ok, "block at slot 1 should be collected")
	_, ok = db.Get(b2.Header.H)
	require.True(t, ok, "block at slot 2 should survive GC(1)")
}

func TestVolatileDBRecovery(t *testing.T) {
	dir := t.TempDir()
	db, err := volatile.Open(dir, 100, false, nil, zerolog.Nop())
	require.NoError(t, err)

	b1 := mkBlock(1, 1, chain.ZeroHash, 1)
	require.NoError(t, db.Put(b1))
	require.NoError(t, db.Close())

	db2, err := volatile.Open(dir, 100, false, nil, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()

	got, ok := db2.Get(b1.Header.H)
	require.True(t, ok)
	require.Equal(t, b1.Body, got.Body)
}
