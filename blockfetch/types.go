// Package blockfetch implements spec §4.5's Block-Fetch Decision Engine: a
// pure function from current chain + candidate fragments + in-flight
// accounting + GSV estimates to a per-peer fetch decision.
//
// Its shape follows the teacher's module/chainsync/core.go: a stateless
// decision core fed peer state snapshots, rather than a component that owns
// its own goroutine, so it can be called synchronously from whatever owns
// the peer set.
package blockfetch

import (
	"time"

	"github.com/fmaste/cardano-world/chain"
)

// Mode selects the pipeline's prioritization and hedging behavior (spec
// §4.5 "Modes").
type Mode int

const (
	BulkSync Mode = iota
	Deadline
)

// PeerID identifies a peer offering a candidate chain.
type PeerID string

// PeerStatus reflects the per-peer backpressure state referenced by step 7
// of spec §4.5's pipeline.
type PeerStatus int

const (
	StatusIdle PeerStatus = iota
	StatusBusy
)

// GSV is a peer's Goodput/Service-time/Variance triple, used to estimate
// expected response latency for a fetch request (spec glossary "GSV").
type GSV struct {
	Goodput     float64 // bytes/second
	ServiceTime time.Duration
	Variance    time.Duration
}

// GSVLookup supplies the (possibly estimated) GSV for a peer. Injectable so
// callers can swap in a real measurement feed; DefaultEstimator below
// provides an exponential-decay fallback.
type GSVLookup interface {
	GSV(p PeerID) GSV
}

// PeerCandidate is one peer's offered chain plus its current accounting,
// the unit the pipeline operates over.
type PeerCandidate struct {
	Peer            PeerID
	Chain           *chain.AnchoredFragment[chain.Header]
	Status          PeerStatus
	ReqsInFlight    int
	BytesInFlight   uint64
	InFlightBlocks  map[chain.Hash]struct{} // blocks this peer is already fetching
}

// Limits bounds step 7's stateful walk (spec §4.5 "Fetch-request decisions").
type Limits struct {
	MaxPerPeer          int
	HighWatermarkBytes  uint64
	LowWatermarkBytes   uint64
	MaxConcurrency      map[Mode]int
	PerRequestByteBudget uint64
	PerRequestMaxBlocks int
	Deadline            time.Duration // Deadline mode's target, spec default 2s
}

// DefaultLimits mirrors the numbers named in spec §4.5 ("deadline=2s").
func DefaultLimits() Limits {
	return Limits{
		MaxPerPeer:           10,
		HighWatermarkBytes:   10 << 20,
		LowWatermarkBytes:    2 << 20,
		MaxConcurrency:       map[Mode]int{BulkSync: 1, Deadline: 3},
		PerRequestByteBudget: 2 << 20,
		PerRequestMaxBlocks:  100,
		Deadline:             2 * time.Second,
	}
}

// Band is the Deadline-mode probability-of-success bucket (spec §4.5 step 5).
type Band int

const (
	BandLow Band = iota
	BandModerate
	BandHigh
)

// DeclineReason explains why a peer got FetchDecline instead of a request.
type DeclineReason int

const (
	DeclineNotPreferred DeclineReason = iota
	DeclineNoIntersection
	DeclineNothingToFetch
	DeclineReqsInFlightLimit
	DeclineBytesInFlightLimit
	DeclineBusy
	DeclineConcurrencyLimit
)

func (r DeclineReason) String() string {
	switch r {
	case DeclineNotPreferred:
		return "NotPreferred"
	case DeclineNoIntersection:
		return "ChainNoIntersection"
	case DeclineNothingToFetch:
		return "NothingToFetch"
	case DeclineReqsInFlightLimit:
		return "ReqsInFlightLimit"
	case DeclineBytesInFlightLimit:
		return "BytesInFlightLimit"
	case DeclineBusy:
		return "Busy"
	case DeclineConcurrencyLimit:
		return "ConcurrencyLimit"
	default:
		return "Unknown"
	}
}

// Decision is the per-peer outcome: either a FetchRequest naming the headers
// to request, or a FetchDecline with a reason.
type Decision struct {
	Peer    PeerID
	Request []chain.Header // non-nil iff accepted
	Decline DeclineReason
}

func (d Decision) Accepted() bool { return d.Request != nil }
