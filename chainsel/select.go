package chainsel

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/ledger"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// Deps bundles the collaborators the selection algorithm reads from and
// writes into. Passed explicitly rather than embedded in a receiver so the
// algorithm stays a pure function of (current chain, deps, now) the way the
// teacher's state/protocol/badger/mutator.go keeps Extend() a function of
// its arguments plus injected storage handles.
type Deps struct {
	Volatile *volatile.VolatileDB
	Ledger   *ledger.LedgerDB
	Invalid  *InvalidBlocks
	Future   *FutureBlocks
	Order    chain.ChainOrder
	K        uint64
	Log      zerolog.Logger
}

// Result reports the outcome of one selection pass.
type Result struct {
	// Adopted is true if current was replaced.
	Adopted bool
	// NewChain is the replacement chain fragment, set only if Adopted.
	NewChain *chain.AnchoredFragment[chain.Header]
	// NewLedgerView is the committed ledger view matching NewChain's tip,
	// set only if Adopted.
	NewLedgerView ledger.LedgerView
	// RollbackPoint is the common ancestor the switch forked from, set
	// only if Adopted. Equal to current's tip point for a pure extension.
	RollbackPoint chain.Point
	// AdoptedHeaders is the suffix of NewChain adopted in this pass
	// (beyond RollbackPoint), for reader notification.
	AdoptedHeaders []chain.Header
}

type attachment struct {
	point      chain.Point
	blockNo    chain.BlockNo
	prefixLen  int // number of entries of current kept before this point
	depthRollback int
}

// Run executes one pass of spec §4.4's chain-selection algorithm: it
// enumerates candidate suffixes reachable from VolatileDB off of every
// point in current's last K entries (plus the anchor), filters, sorts,
// and validates them against the LedgerDB until one survives or the
// candidates are exhausted.
func Run(current *chain.AnchoredFragment[chain.Header], nowSlot chain.Slot, deps Deps) (*Result, error) {
	attachments := attachmentPoints(current, deps.K)

	type candidate struct {
		attach  attachment
		headers []chain.Header // strictly after attach.point
	}

	var candidates []candidate
	for _, a := range attachments {
		for _, headers := range enumeratePaths(deps.Volatile, a.point.Hash) {
			candidates = append(candidates, candidate{attach: a, headers: headers})
		}
	}

	// Step: split off future headers, park them, and drop any candidate
	// whose surviving prefix contains a known-invalid header.
	filtered := candidates[:0]
	for _, c := range candidates {
		cut := len(c.headers)
		for i, h := range c.headers {
			if h.Slot > nowSlot {
				cut = i
				break
			}
		}
		for _, future := range c.headers[cut:] {
			deps.Future.Add(future)
		}
		c.headers = c.headers[:cut]

		bad := false
		for _, h := range c.headers {
			if deps.Invalid.Has(h.H) {
				bad = true
				break
			}
		}
		if bad || len(c.headers) == 0 {
			continue
		}
		filtered = append(filtered, c)
	}
	candidates = filtered

	// Drop candidates not strictly preferred to current, and those
	// requiring a rollback deeper than K.
	buildFragment := func(a attachment, headers []chain.Header) *chain.AnchoredFragment[chain.Header] {
		f := chain.NewAnchoredFragment[chain.Header](current.Anchor, current.AnchorNo)
		for _, e := range current.Entries()[:a.prefixLen] {
			if err := f.AppendEntry(e); err != nil {
				// current's own entries are already consistent; a failure
				// here means the in-memory fragment is corrupt.
				deps.Log.Error().Err(err).Str("block_id", e.H.String()).
					Msg("corrupt current chain fragment: failed to rebuild prefix")
			}
		}
		for _, h := range headers {
			if err := f.AppendEntry(h); err != nil {
				deps.Log.Error().Err(err).Str("block_id", h.H.String()).
					Msg("corrupt candidate suffix: failed to append header")
			}
		}
		return f
	}

	viable := candidates[:0]
	for _, c := range candidates {
		if c.attach.depthRollback > int(deps.K) {
			continue
		}
		frag := buildFragment(c.attach, c.headers)
		if !deps.Order.PreferCandidate(current, frag) {
			continue
		}
		viable = append(viable, c)
	}
	candidates = viable

	sort.SliceStable(candidates, func(i, j int) bool {
		fi := buildFragment(candidates[i].attach, candidates[i].headers)
		fj := buildFragment(candidates[j].attach, candidates[j].headers)
		return deps.Order.CompareCandidates(fi, fj) > 0
	})

	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]

		view, err := deps.Ledger.Rewind(c.attach.point)
		if err != nil {
			// fork point fell out of the ledger window; not viable.
			continue
		}

		valid := c.headers[:0]
		failed := false
		for i, h := range c.headers {
			block, ok := deps.Volatile.Get(h.H)
			if !ok {
				// block vanished (GC race); treat candidate as exhausted
				// here rather than invalid, per spec §9 open question (a).
				c.headers = valid
				failed = true
				break
			}
			if err := view.Push(block); err != nil {
				deps.Invalid.Add(h.H, err.Error(), h.Slot)
				valid = c.headers[:i]
				failed = true
				break
			}
		}
		if failed {
			if len(valid) == 0 {
				continue
			}
			truncated := candidate{attach: c.attach, headers: valid}
			candidates = append(candidates, truncated)
			sort.SliceStable(candidates, func(i, j int) bool {
				fi := buildFragment(candidates[i].attach, candidates[i].headers)
				fj := buildFragment(candidates[j].attach, candidates[j].headers)
				return deps.Order.CompareCandidates(fi, fj) > 0
			})
			continue
		}

		frag := buildFragment(c.attach, c.headers)
		if !deps.Order.PreferCandidate(current, frag) {
			continue
		}
		if err := deps.Ledger.Commit(view); err != nil {
			return nil, err
		}
		// Headers shared with current past the attachment point are not a
		// rollback: advance to the deepest common point.
		rollback, adopted := c.attach.point, c.headers
		for _, e := range current.Entries()[c.attach.prefixLen:] {
			if len(adopted) == 0 || adopted[0].H != e.H {
				break
			}
			rollback, adopted = adopted[0].Point(), adopted[1:]
		}
		return &Result{
			Adopted:        true,
			NewChain:       frag,
			NewLedgerView:  view.Tip(),
			RollbackPoint:  rollback,
			AdoptedHeaders: adopted,
		}, nil
	}

	return &Result{Adopted: false}, nil
}

// attachmentPoints returns every point within the last K entries of current
// (plus the anchor itself) that a fork could legally attach to.
func attachmentPoints(current *chain.AnchoredFragment[chain.Header], k uint64) []attachment {
	n := current.Len()
	var out []attachment
	lo := 0
	if uint64(n) > k {
		lo = n - int(k)
	}
	out = append(out, attachment{point: current.Anchor, blockNo: current.AnchorNo, prefixLen: 0, depthRollback: n})
	for i := lo; i < n; i++ {
		h := current.At(i)
		out = append(out, attachment{
			point:         h.Point(),
			blockNo:       h.BlockNo,
			prefixLen:     i + 1,
			depthRollback: n - (i + 1),
		})
	}
	return out
}

// enumeratePaths DFS-enumerates every root-to-leaf header path reachable
// from root via VolatileDB's predecessor index, one per maximal fork.
func enumeratePaths(vol *volatile.VolatileDB, root chain.Hash) [][]chain.Header {
	children := vol.SuccessorsOf(root)
	if len(children) == 0 {
		return nil
	}
	var out [][]chain.Header
	for _, childHash := range children {
		block, ok := vol.Get(childHash)
		if !ok {
			continue
		}
		rest := enumeratePaths(vol, childHash)
		if len(rest) == 0 {
			out = append(out, []chain.Header{block.Header})
			continue
		}
		for _, path := range rest {
			full := make([]chain.Header, 0, len(path)+1)
			full = append(full, block.Header)
			full = append(full, path...)
			out = append(out, full)
		}
	}
	return out
}
