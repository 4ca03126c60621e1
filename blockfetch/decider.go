package blockfetch

import (
	"sort"
	"time"

	"github.com/fmaste/cardano-world/chain"
)

// IsFetched is spec §6's getIsFetched() predicate: true if point is already
// present in either storage layer.
type IsFetched func(chain.Point) bool

// working carries one candidate through steps 2-6 of the pipeline.
type working struct {
	idx     int
	pc      PeerCandidate
	full    *chain.AnchoredFragment[chain.Header]
	headers []chain.Header
}

// Decide runs the seven-step pipeline of spec §4.5 once, synchronously,
// over a snapshot of peer candidates. It is a pure function of its
// arguments: no peer state is mutated, matching the teacher's
// module/chainsync/core.go decision core which is likewise fed snapshots
// rather than owning peer state itself.
func Decide(current *chain.AnchoredFragment[chain.Header], candidates []PeerCandidate, order chain.ChainOrder, isFetched IsFetched, mode Mode, limits Limits, gsv GSVLookup, k uint64) []Decision {
	decisions := make(map[PeerID]Decision, len(candidates))
	var pending []working

	// 1. Filter plausible.
	for i, pc := range candidates {
		if pc.Chain == nil || !order.PreferCandidate(current, pc.Chain) {
			decisions[pc.Peer] = Decision{Peer: pc.Peer, Decline: DeclineNotPreferred}
			continue
		}
		// 2. Fork suffix.
		headers, ok := forkSuffix(current, pc.Chain, k)
		if !ok {
			decisions[pc.Peer] = Decision{Peer: pc.Peer, Decline: DeclineNoIntersection}
			continue
		}
		// 3. Filter-already-fetched.
		headers = filterHeaders(headers, func(h chain.Header) bool { return !isFetched(h.Point()) })
		// 4. Filter-in-flight-with-this-peer.
		headers = filterHeaders(headers, func(h chain.Header) bool { _, inFlight := pc.InFlightBlocks[h.H]; return !inFlight })
		if len(headers) == 0 {
			decisions[pc.Peer] = Decision{Peer: pc.Peer, Decline: DeclineNothingToFetch}
			continue
		}
		pending = append(pending, working{idx: i, pc: pc, full: pc.Chain, headers: headers})
	}

	// 5. Prioritize, over the post-step-4 header set (spec §4.5 step 5
	// computes band/duration from "(gsv, inFlightBytes, fetchSize,
	// deadline)" before the other-peers in-flight filter thins it further;
	// scoring on the already-thinned set would under-estimate the load of
	// a peer sharing many in-flight blocks with others).
	type scored struct {
		working
		band     Band
		duration time.Duration
	}
	scoredList := make([]scored, 0, len(pending))
	for _, w := range pending {
		g := gsv.GSV(w.pc.Peer)
		fetchSize := estimateBytes(w.headers)
		d := expectedDuration(g, w.pc.BytesInFlight, fetchSize)
		scoredList = append(scoredList, scored{working: w, band: bandFor(d, limits.Deadline), duration: d})
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		cmp := order.CompareCandidates(scoredList[i].full, scoredList[j].full)
		switch mode {
		case Deadline:
			if scoredList[i].band != scoredList[j].band {
				return scoredList[i].band > scoredList[j].band
			}
			return cmp > 0
		default: // BulkSync
			if cmp != 0 {
				return cmp > 0
			}
			return scoredList[i].duration < scoredList[j].duration
		}
	})

	// 6. Filter-in-flight-with-other-peers (BulkSync only; Deadline hedges).
	if mode == BulkSync {
		otherInFlight := make(map[chain.Hash]struct{})
		for _, s := range scoredList {
			for h := range s.pc.InFlightBlocks {
				otherInFlight[h] = struct{}{}
			}
		}
		filtered := scoredList[:0]
		for _, s := range scoredList {
			self := s.pc.InFlightBlocks
			s.headers = filterHeaders(s.headers, func(h chain.Header) bool {
				if _, mine := self[h.H]; mine {
					return true
				}
				_, otherHas := otherInFlight[h.H]
				return !otherHas
			})
			if len(s.headers) == 0 {
				decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineNothingToFetch}
				continue
			}
			filtered = append(filtered, s)
		}
		scoredList = filtered
	}

	// 7. Fetch-request decisions (stateful over the sorted list).
	chosenThisPass := make(map[chain.Hash]struct{})
	concurrentAccepted := 0
	maxConcurrency := limits.MaxConcurrency[mode]

	for _, s := range scoredList {
		headers := s.headers
		if mode == BulkSync {
			headers = filterHeaders(headers, func(h chain.Header) bool {
				_, already := chosenThisPass[h.H]
				return !already
			})
		}
		if len(headers) == 0 {
			decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineNothingToFetch}
			continue
		}
		if s.pc.ReqsInFlight >= limits.MaxPerPeer {
			decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineReqsInFlightLimit}
			continue
		}
		if s.pc.BytesInFlight >= limits.HighWatermarkBytes {
			decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineBytesInFlightLimit}
			continue
		}
		if s.pc.Status == StatusBusy {
			decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineBusy}
			continue
		}
		if maxConcurrency > 0 && concurrentAccepted >= maxConcurrency {
			decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Decline: DeclineConcurrencyLimit}
			continue
		}

		selected := selectUpToBudget(headers, limits)
		for _, h := range selected {
			chosenThisPass[h.H] = struct{}{}
		}
		concurrentAccepted++
		decisions[s.pc.Peer] = Decision{Peer: s.pc.Peer, Request: selected}
	}

	out := make([]Decision, len(candidates))
	for i, pc := range candidates {
		out[i] = decisions[pc.Peer]
	}
	return out
}

// forkSuffix intersects candidate with current within current's last k
// entries (spec §4.5 step 2: "no intersection within last k ->
// ChainNoIntersection"), returning the candidate headers strictly past the
// intersection point.
func forkSuffix(current, candidate *chain.AnchoredFragment[chain.Header], k uint64) ([]chain.Header, bool) {
	currentEntries := current.Entries()
	searchStart := 0
	if uint64(len(currentEntries)) > k {
		searchStart = len(currentEntries) - int(k)
	}
	allowed := make(map[chain.Hash]struct{}, len(currentEntries)-searchStart+1)
	for i := searchStart; i < len(currentEntries); i++ {
		allowed[currentEntries[i].H] = struct{}{}
	}
	if searchStart == 0 {
		allowed[current.Anchor.Hash] = struct{}{}
	}

	candEntries := candidate.Entries()
	for i := len(candEntries) - 1; i >= 0; i-- {
		if _, ok := allowed[candEntries[i].H]; ok {
			return append([]chain.Header{}, candEntries[i+1:]...), true
		}
	}
	if _, ok := allowed[candidate.Anchor.Hash]; ok {
		return append([]chain.Header{}, candEntries...), true
	}
	return nil, false
}

func filterHeaders(hs []chain.Header, keep func(chain.Header) bool) []chain.Header {
	out := make([]chain.Header, 0, len(hs))
	for _, h := range hs {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}

func estimateBytes(hs []chain.Header) uint64 {
	var total uint64
	for _, h := range hs {
		total += uint64(h.BlockSizeHint)
	}
	return total
}

// expectedDuration models the time to fetch fetchSize more bytes from a peer
// already carrying inFlightBytes, given its estimated GSV (spec §4.5 step 5
// "(gsv, inFlightBytes, fetchSize, deadline) model").
func expectedDuration(g GSV, inFlightBytes, fetchSize uint64) time.Duration {
	if g.Goodput <= 0 {
		return g.ServiceTime + g.Variance
	}
	queued := time.Duration(float64(inFlightBytes+fetchSize) / g.Goodput * float64(time.Second))
	return g.ServiceTime + queued + g.Variance
}

func bandFor(expected, deadline time.Duration) Band {
	if deadline <= 0 {
		deadline = DefaultLimits().Deadline
	}
	ratio := float64(expected) / float64(deadline)
	switch {
	case ratio <= 0.5:
		return BandHigh
	case ratio <= 0.9:
		return BandModerate
	default:
		return BandLow
	}
}

// selectUpToBudget picks a prefix of headers within the per-request
// byte/count budget, always including at least one block even if it alone
// exceeds the byte budget (spec §4.5 step 7, "prevents deadlock on large
// blocks").
func selectUpToBudget(headers []chain.Header, limits Limits) []chain.Header {
	if len(headers) == 0 {
		return nil
	}
	maxBlocks := limits.PerRequestMaxBlocks
	if maxBlocks <= 0 {
		maxBlocks = len(headers)
	}
	selected := []chain.Header{headers[0]}
	var total uint64 = uint64(headers[0].BlockSizeHint)
	for i := 1; i < len(headers) && len(selected) < maxBlocks; i++ {
		next := total + uint64(headers[i].BlockSizeHint)
		if limits.PerRequestByteBudget > 0 && next > limits.PerRequestByteBudget {
			break
		}
		selected = append(selected, headers[i])
		total = next
	}
	return selected
}
