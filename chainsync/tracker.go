// Package chainsync tracks each peer's offered candidate chain and in-flight
// fetch accounting, and turns that state into the []blockfetch.PeerCandidate
// snapshot the Block-Fetch Decision Engine (spec §4.5) is a pure function
// over.
//
// It is grounded on the teacher's module/chainsync.Core: a mutex-guarded
// per-peer status map fed by HandleBlock/HandleHeight-style announcements,
// generalized here from height-keyed statuses to the header-chain fragments
// spec §4.5 actually operates on.
package chainsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/blockfetch"
	"github.com/fmaste/cardano-world/chain"
)

// Config mirrors the teacher's chainsync.Config/DefaultConfig shape.
type Config struct {
	// RetryInterval is the initial backoff before a peer marked Busy is
	// reconsidered; doubled on each consecutive timeout, mirroring the
	// teacher's exponential-backoff retry scheduling.
	RetryInterval time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval:   4 * time.Second,
		MaxRetryBackoff: 2 * time.Minute,
	}
}

type peerState struct {
	chain          *chain.AnchoredFragment[chain.Header]
	status         blockfetch.PeerStatus
	reqsInFlight   int
	bytesInFlight  uint64
	inFlightBlocks map[chain.Hash]struct{}
	backoff        time.Duration
	lastSeen       time.Time
}

// Tracker owns the live view of every connected peer's offered chain plus
// its fetch accounting, safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	log   zerolog.Logger
	peers map[blockfetch.PeerID]*peerState
}

func New(cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:   cfg,
		log:   log.With().Str("component", "chainsync").Logger(),
		peers: make(map[blockfetch.PeerID]*peerState),
	}
}

func (t *Tracker) peer(p blockfetch.PeerID) *peerState {
	ps, ok := t.peers[p]
	if !ok {
		ps = &peerState{inFlightBlocks: make(map[chain.Hash]struct{})}
		t.peers[p] = ps
	}
	return ps
}

// HandleHeader processes one header peer announced as the new tip of its
// candidate chain, extending the tracked fragment when it chains onto the
// current tip, or restarting the fragment (a peer-side rollback) when it
// doesn't. Returns false if the header is a duplicate of the known tip.
func (t *Tracker) HandleHeader(p blockfetch.PeerID, h chain.Header) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.peer(p)
	ps.lastSeen = time.Now()

	if ps.chain != nil && ps.chain.TipPoint().Hash == h.H {
		return false
	}
	if ps.chain != nil && ps.chain.TipPoint().Hash == h.PrevHash {
		if err := ps.chain.AppendEntry(h); err == nil {
			t.log.Debug().Str("peer", string(p)).Str("block_id", h.H.String()).Msg("extended peer candidate chain")
			return true
		}
	}

	// Either the first header from this peer, or it no longer chains onto
	// what we tracked (the peer rolled back or forked): start a fresh
	// fragment anchored just before h.
	anchorNo := chain.BlockNo(0)
	if h.BlockNo > 0 {
		anchorNo = h.BlockNo - 1
	}
	ps.chain = chain.NewAnchoredFragment[chain.Header](chain.NewPoint(0, h.PrevHash), anchorNo)
	if err := ps.chain.AppendEntry(h); err != nil {
		t.log.Error().Err(err).Str("peer", string(p)).Str("block_id", h.H.String()).
			Msg("failed to seed fresh peer candidate chain with its own tip header")
	} else {
		t.log.Debug().Str("peer", string(p)).Str("block_id", h.H.String()).Msg("reset peer candidate chain")
	}
	return true
}

// RemovePeer drops all tracked state for a disconnected peer.
func (t *Tracker) RemovePeer(p blockfetch.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, p)
}

// RecordRequestSent counts one request of blocks totaling bytes sent to p,
// marking the peer Busy once its bytes in flight reach its low watermark
// (spec §4.5 step 7's status bookkeeping is the caller's; this is
// the data the caller keeps it in).
func (t *Tracker) RecordRequestSent(p blockfetch.PeerID, blocks []chain.Header, bytes uint64, lowWatermark uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.peer(p)
	ps.reqsInFlight++
	ps.bytesInFlight += bytes
	for _, h := range blocks {
		ps.inFlightBlocks[h.H] = struct{}{}
	}
	if ps.bytesInFlight >= lowWatermark {
		ps.status = blockfetch.StatusBusy
	}
}

// RecordResponse acknowledges bytes worth of blocks arriving from p,
// releasing it from Busy once it drops back under lowWatermark.
func (t *Tracker) RecordResponse(p blockfetch.PeerID, blocks []chain.Hash, bytes uint64, lowWatermark uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[p]
	if !ok {
		return
	}
	ps.reqsInFlight--
	if ps.reqsInFlight < 0 {
		ps.reqsInFlight = 0
	}
	if ps.bytesInFlight > bytes {
		ps.bytesInFlight -= bytes
	} else {
		ps.bytesInFlight = 0
	}
	for _, h := range blocks {
		delete(ps.inFlightBlocks, h)
	}
	if ps.bytesInFlight < lowWatermark {
		ps.status = blockfetch.StatusIdle
	}
	ps.backoff = 0
}

// RecordTimeout backs the peer off exponentially and marks it Busy until
// the backoff elapses, mirroring the teacher's exponential-retry scheduling
// for requests that never completed.
func (t *Tracker) RecordTimeout(p blockfetch.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.peer(p)
	if ps.backoff == 0 {
		ps.backoff = t.cfg.RetryInterval
	} else {
		ps.backoff *= 2
		if ps.backoff > t.cfg.MaxRetryBackoff {
			ps.backoff = t.cfg.MaxRetryBackoff
		}
	}
	ps.status = blockfetch.StatusBusy
	time.AfterFunc(ps.backoff, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.peers[p]; ok && cur == ps {
			ps.status = blockfetch.StatusIdle
		}
	})
}

// Candidates snapshots every tracked peer into the []PeerCandidate shape
// blockfetch.Decide consumes.
func (t *Tracker) Candidates() []blockfetch.PeerCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]blockfetch.PeerCandidate, 0, len(t.peers))
	for id, ps := range t.peers {
		if ps.chain == nil {
			continue
		}
		inFlight := make(map[chain.Hash]struct{}, len(ps.inFlightBlocks))
		for h := range ps.inFlightBlocks {
			inFlight[h] = struct{}{}
		}
		out = append(out, blockfetch.PeerCandidate{
			Peer:           id,
			Chain:          ps.chain.Clone(),
			Status:         ps.status,
			ReqsInFlight:   ps.reqsInFlight,
			BytesInFlight:  ps.bytesInFlight,
			InFlightBlocks: inFlight,
		})
	}
	return out
}
