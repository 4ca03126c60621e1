package blockfetch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/blockfetch"
	"github.com/fmaste/cardano-world/chain"
)

func header(tag byte, slot chain.Slot, no chain.BlockNo, prev chain.Hash, sizeHint uint32) chain.Header {
	var h chain.Hash
	h[0] = tag
	return chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: prev, BlockSizeHint: sizeHint}
}

func fragment(t *testing.T, anchor chain.Point, anchorNo chain.BlockNo, headers ...chain.Header) *chain.AnchoredFragment[chain.Header] {
	t.Helper()
	f := chain.NewAnchoredFragment[chain.Header](anchor, anchorNo)
	for _, h := range headers {
		require.NoError(t, f.AppendEntry(h))
	}
	return f
}

// fixedGSV hands back a preset GSV per peer, with no queuing effect
// (Goodput large enough that fetchSize never shifts the band), so tests can
// reason about ordering from CompareCandidates/band alone.
type fixedGSV map[blockfetch.PeerID]blockfetch.GSV

func (m fixedGSV) GSV(p blockfetch.PeerID) blockfetch.GSV {
	if g, ok := m[p]; ok {
		return g
	}
	return blockfetch.GSV{Goodput: 1 << 30, ServiceTime: time.Millisecond, Variance: time.Millisecond}
}

func alwaysFresh(chain.Point) bool { return false }

func TestDecideDeclinesNotPreferred(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	h2 := header(2, 2, 2, h1.H, 0)
	current := fragment(t, chain.Origin, 0, h1, h2)

	// peer offers exactly the same chain: not strictly preferred.
	peerChain := fragment(t, chain.Origin, 0, h1, h2)
	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineNotPreferred, decisions[0].Decline)
}

func TestDecideDeclinesNoIntersection(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	h2 := header(2, 2, 2, h1.H, 0)
	current := fragment(t, chain.Origin, 0, h1, h2) // len 2, k=1 below -> window is [h2] only

	// forks off h1 (outside the k=1 window, and not the anchor either),
	// but is longer than current so it still passes step 1.
	h3fork := header(3, 3, 2, h1.H, 0)
	h4fork := header(4, 4, 3, h3fork.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h3fork, h4fork)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 1)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineNoIntersection, decisions[0].Decline)
}

func TestDecideDeclinesNothingToFetchAlreadyFetched(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)

	h2 := header(2, 2, 2, h1.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)
	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}

	isFetched := func(p chain.Point) bool { return p.Hash == h2.H }
	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, isFetched, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineNothingToFetch, decisions[0].Decline)
}

func TestDecideDeclinesNothingToFetchInFlightWithThisPeer(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)

	h2 := header(2, 2, 2, h1.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)
	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{h2.H: {}}},
	}

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineNothingToFetch, decisions[0].Decline)
}

// setupOverlap builds a current chain plus two peers that both see h3: peerA
// has nothing in flight and wants just h3; peerC already has h3 in flight
// with itself (so its own step-4 filter drops it) and additionally offers a
// fresh h4 beyond it.
func setupOverlap(t *testing.T) (*chain.AnchoredFragment[chain.Header], []blockfetch.PeerCandidate, chain.Header, chain.Header) {
	t.Helper()
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	h2 := header(2, 2, 2, h1.H, 0)
	current := fragment(t, chain.Origin, 0, h1, h2)

	h3 := header(3, 3, 3, h2.H, 0)
	h4 := header(4, 4, 4, h3.H, 0)

	peerAChain := fragment(t, chain.Origin, 0, h1, h2, h3)
	peerCChain := fragment(t, chain.Origin, 0, h1, h2, h3, h4)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerAChain, InFlightBlocks: map[chain.Hash]struct{}{}},
		{Peer: "peerC", Chain: peerCChain, InFlightBlocks: map[chain.Hash]struct{}{h3.H: {}}},
	}
	return current, candidates, h3, h4
}

func TestDecideBulkSyncDropsBlockAlreadyInFlightWithOtherPeer(t *testing.T) {
	current, candidates, _, h4 := setupOverlap(t)

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 2)

	byPeer := map[blockfetch.PeerID]blockfetch.Decision{}
	for _, d := range decisions {
		byPeer[d.Peer] = d
	}

	// peerA wanted only h3, which is already in flight with peerC: BulkSync
	// mode drops cross-peer duplicates, so peerA is left with nothing.
	require.False(t, byPeer["peerA"].Accepted())
	require.Equal(t, blockfetch.DeclineNothingToFetch, byPeer["peerA"].Decline)

	// peerC still gets its own fresh block h4 (not in flight anywhere).
	require.True(t, byPeer["peerC"].Accepted())
	require.Equal(t, []chain.Header{h4}, byPeer["peerC"].Request)
}

func TestDecideDeadlineHedgesBlockAlreadyInFlightWithOtherPeer(t *testing.T) {
	current, candidates, h3, h4 := setupOverlap(t)

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.Deadline, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 2)

	byPeer := map[blockfetch.PeerID]blockfetch.Decision{}
	for _, d := range decisions {
		byPeer[d.Peer] = d
	}

	// Deadline mode hedges: peerA still gets to request h3 even though
	// peerC already has it in flight.
	require.True(t, byPeer["peerA"].Accepted())
	require.Equal(t, []chain.Header{h3}, byPeer["peerA"].Request)

	require.True(t, byPeer["peerC"].Accepted())
	require.Equal(t, []chain.Header{h4}, byPeer["peerC"].Request)
}

func TestDecideDeclinesReqsInFlightLimit(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)
	h2 := header(2, 2, 2, h1.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}, ReqsInFlight: 1},
	}
	limits := blockfetch.DefaultLimits()
	limits.MaxPerPeer = 1

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, limits, fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineReqsInFlightLimit, decisions[0].Decline)
}

func TestDecideDeclinesBytesInFlightLimit(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)
	h2 := header(2, 2, 2, h1.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}, BytesInFlight: 1 << 30},
	}
	limits := blockfetch.DefaultLimits()
	limits.HighWatermarkBytes = 1 << 20

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, limits, fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineBytesInFlightLimit, decisions[0].Decline)
}

func TestDecideDeclinesBusyPeer(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)
	h2 := header(2, 2, 2, h1.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}, Status: blockfetch.StatusBusy},
	}

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, blockfetch.DefaultLimits(), fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.False(t, decisions[0].Accepted())
	require.Equal(t, blockfetch.DeclineBusy, decisions[0].Decline)
}

func TestDecideDeclinesConcurrencyLimitAndOrdersByCompareCandidates(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)

	// peerFast offers the longer (preferred-er) chain, peerSlow a shorter
	// one; both strictly extend current so both pass step 1.
	hSlow := header(2, 2, 2, h1.H, 0)
	hFastA := header(3, 3, 2, h1.H, 0)
	hFastB := header(4, 4, 3, hFastA.H, 0)

	peerSlowChain := fragment(t, chain.Origin, 0, h1, hSlow)
	peerFastChain := fragment(t, chain.Origin, 0, h1, hFastA, hFastB)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerSlow", Chain: peerSlowChain, InFlightBlocks: map[chain.Hash]struct{}{}},
		{Peer: "peerFast", Chain: peerFastChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}
	limits := blockfetch.DefaultLimits()
	limits.MaxConcurrency = map[blockfetch.Mode]int{blockfetch.BulkSync: 1}

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, limits, fixedGSV{}, 10)
	byPeer := map[blockfetch.PeerID]blockfetch.Decision{}
	for _, d := range decisions {
		byPeer[d.Peer] = d
	}

	// peerFast's chain compares higher (greater tip BlockNo) so it is
	// serviced first and consumes the sole concurrency slot.
	require.True(t, byPeer["peerFast"].Accepted())
	require.False(t, byPeer["peerSlow"].Accepted())
	require.Equal(t, blockfetch.DeclineConcurrencyLimit, byPeer["peerSlow"].Decline)
}

func TestDecideSelectUpToBudgetAlwaysIncludesAtLeastOneBlock(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)

	// h2 alone is larger than the per-request byte budget.
	h2 := header(2, 2, 2, h1.H, 10<<20)
	peerChain := fragment(t, chain.Origin, 0, h1, h2)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}
	limits := blockfetch.DefaultLimits()
	limits.PerRequestByteBudget = 1 << 20

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, limits, fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Accepted())
	require.Equal(t, []chain.Header{h2}, decisions[0].Request)
}

func TestDecideSelectUpToBudgetCapsBlockCount(t *testing.T) {
	h1 := header(1, 1, 1, chain.ZeroHash, 0)
	current := fragment(t, chain.Origin, 0, h1)

	h2 := header(2, 2, 2, h1.H, 0)
	h3 := header(3, 3, 3, h2.H, 0)
	h4 := header(4, 4, 4, h3.H, 0)
	peerChain := fragment(t, chain.Origin, 0, h1, h2, h3, h4)

	candidates := []blockfetch.PeerCandidate{
		{Peer: "peerA", Chain: peerChain, InFlightBlocks: map[chain.Hash]struct{}{}},
	}
	limits := blockfetch.DefaultLimits()
	limits.PerRequestMaxBlocks = 2

	decisions := blockfetch.Decide(current, candidates, chain.LongestChain{}, alwaysFresh, blockfetch.BulkSync, limits, fixedGSV{}, 10)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Accepted())
	require.Equal(t, []chain.Header{h2, h3}, decisions[0].Request)
}

func TestDefaultEstimatorObserveBlendsTowardNewSamples(t *testing.T) {
	est := blockfetch.NewDefaultEstimator(0.5)

	// unseen peer gets the pessimistic default.
	initial := est.GSV("peerA")
	require.Greater(t, initial.Goodput, 0.0)

	est.Observe("peerA", 1<<20, 100*time.Millisecond)
	first := est.GSV("peerA")

	est.Observe("peerA", 1<<20, 100*time.Millisecond)
	second := est.GSV("peerA")

	// after two consistent samples the estimate should have converged
	// away from the pessimistic default and stabilized near the observed
	// goodput (1<<20 bytes per 100ms).
	require.NotEqual(t, initial.Goodput, first.Goodput)
	observedGoodput := float64(1<<20) / 0.1
	require.InDelta(t, observedGoodput, second.Goodput, observedGoodput*0.5)
}
