package immutable_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/immutable"
)

func mkBlock(slot chain.Slot, no chain.BlockNo, prev chain.Hash) *chain.Block {
	var h chain.Hash
	h[0] = byte(no)
	h[1] = byte(no >> 8)
	h[31] = 0xAA
	return &chain.Block{
		Header: chain.Header{
			H:        h,
			Slot:     slot,
			BlockNo:  no,
			PrevHash: prev,
		},
		Body: []byte("body"),
	}
}

func TestImmutableDBAppendAndStream(t *testing.T) {
	dir := t.TempDir()
	chunkInfo := immutable.FixedEpochChunkInfo{SlotsPerEpoch: 10}
	db, err := immutable.Open(dir, chunkInfo, immutable.ValidateAllChunks, true, nil, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	b1 := mkBlock(1, 1, chain.ZeroHash)
	require.NoError(t, db.Append(b1))
	b2 := mkBlock(2, 2, b1.Header.H)
	require.NoError(t, db.Append(b2))
	b3 := mkBlock(12, 3, b2.Header.H) // crosses into chunk 1

	require.NoError(t, db.Append(b3))

	tip := db.GetTip()
	require.True(t, tip.Present)
	require.Equal(t, chain.BlockNo(3), tip.Value.BlockNo)

	it, err := db.StreamFrom(chain.Origin, b3.Point(), immutable.ComponentBlock)
	require.NoError(t, err)
	var got []chain.Point
	for {
		p, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, p)
		require.IsType(t, &chain.Block{}, v)
	}
	require.Equal(t, []chain.Point{b1.Point(), b2.Point(), b3.Point()}, got)
}

func TestImmutableDBAppendRejectsOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	chunkInfo := immutable.FixedEpochChunkInfo{SlotsPerEpoch: 100}
	db, err := immutable.Open(dir, chunkInfo, immutable.ValidateAllChunks, true, nil, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	b1 := mkBlock(1, 1, chain.ZeroHash)
	require.NoError(t, db.Append(b1))

	bad := mkBlock(1, 2, b1.Header.H) // slot does not strictly increase
	require.Error(t, db.Append(bad))
}

func TestImmutableDBReopenRecoversTip(t *testing.T) {
	dir := t.TempDir()
	chunkInfo := immutable.FixedEpochChunkInfo{SlotsPerEpoch: 100}
	db, err := immutable.Open(dir, chunkInfo, immutable.ValidateAllChunks, true, nil, zerolog.Nop())
	require.NoError(t, err)

	b1 := mkBlock(1, 1, chain.ZeroHash)
	require.NoError(t, db.Append(b1))
	b2 := mkBlock(2, 2, b1.Header.H)
	require.NoError(t, db.Append(b2))
	require.NoError(t, db.Close())

	db2, err := immutable.Open(dir, chunkInfo, immutable.ValidateAllChunks, true, nil, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()

	tip := db2.GetTip()
	require.True(t, tip.Present)
	require.Equal(t, chain.BlockNo(2), tip.Value.BlockNo)

	val, ok, err := db2.GetBlockComponent(b1.Point(), immutable.ComponentBlock)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b1.Body, val.(*chain.Block).Body)
}
