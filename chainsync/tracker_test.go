package chainsync_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/blockfetch"
	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/chainsync"
)

func mkHeader(tag byte, no chain.BlockNo, prev chain.Hash) chain.Header {
	var h chain.Hash
	h[0] = tag
	return chain.Header{H: h, Slot: chain.Slot(no), BlockNo: no, PrevHash: prev}
}

func TestHandleHeaderExtendsChain(t *testing.T) {
	tr := chainsync.New(chainsync.DefaultConfig(), zerolog.Nop())

	h1 := mkHeader(1, 1, chain.ZeroHash)
	require.True(t, tr.HandleHeader("peerA", h1))
	h2 := mkHeader(2, 2, h1.H)
	require.True(t, tr.HandleHeader("peerA", h2))

	// duplicate of current tip is ignored
	require.False(t, tr.HandleHeader("peerA", h2))

	cands := tr.Candidates()
	require.Len(t, cands, 1)
	require.Equal(t, blockfetch.PeerID("peerA"), cands[0].Peer)
	require.Equal(t, 2, cands[0].Chain.Len())
	require.Equal(t, h2.H, cands[0].Chain.TipPoint().Hash)
}

func TestHandleHeaderResetsOnFork(t *testing.T) {
	tr := chainsync.New(chainsync.DefaultConfig(), zerolog.Nop())

	h1 := mkHeader(1, 1, chain.ZeroHash)
	tr.HandleHeader("peerA", h1)
	h2 := mkHeader(2, 2, h1.H)
	tr.HandleHeader("peerA", h2)

	// a header that doesn't chain onto the tracked tip restarts the fragment
	fork := mkHeader(3, 1, chain.ZeroHash)
	require.True(t, tr.HandleHeader("peerA", fork))

	cands := tr.Candidates()
	require.Len(t, cands, 1)
	require.Equal(t, 1, cands[0].Chain.Len())
	require.Equal(t, fork.H, cands[0].Chain.TipPoint().Hash)
}

func TestRequestAccountingTracksBusyStatus(t *testing.T) {
	tr := chainsync.New(chainsync.DefaultConfig(), zerolog.Nop())
	h1 := mkHeader(1, 1, chain.ZeroHash)
	tr.HandleHeader("peerA", h1)

	tr.RecordRequestSent("peerA", []chain.Header{h1}, 1000, 500)
	cands := tr.Candidates()
	require.Equal(t, blockfetch.StatusBusy, cands[0].Status)
	require.Equal(t, 1, cands[0].ReqsInFlight)
	require.Contains(t, cands[0].InFlightBlocks, h1.H)

	tr.RecordResponse("peerA", []chain.Hash{h1.H}, 1000, 500)
	cands = tr.Candidates()
	require.Equal(t, blockfetch.StatusIdle, cands[0].Status)
	require.Equal(t, 0, cands[0].ReqsInFlight)
	require.NotContains(t, cands[0].InFlightBlocks, h1.H)
}

func TestRemovePeerDropsState(t *testing.T) {
	tr := chainsync.New(chainsync.DefaultConfig(), zerolog.Nop())
	tr.HandleHeader("peerA", mkHeader(1, 1, chain.ZeroHash))
	require.Len(t, tr.Candidates(), 1)
	tr.RemovePeer("peerA")
	require.Empty(t, tr.Candidates())
}
