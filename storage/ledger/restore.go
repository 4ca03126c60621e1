package ledger

import (
	"fmt"

	"github.com/fmaste/cardano-world/chain"
)

// restore implements spec §4.3's restore(): find the newest valid
// snapshot, restore it, then replay blocks from the ImmutableDB from the
// snapshot's point forward until reaching the immutable tip. If the newest
// snapshot fails to deserialize or replay, delete it and try the next
// older one; if none remain, replay from genesis.
func (db *LedgerDB) restore(replay ReplaySource, immutableTip chain.WithOrigin[chain.Point]) error {
	tip := chain.Origin
	if immutableTip.Present {
		tip = immutableTip.Value
	}

	candidates, err := db.snapshots.list()
	if err != nil {
		return fmt.Errorf("ledger: list snapshots: %w", err)
	}

	for _, c := range candidates {
		states, err := db.tryRestoreFrom(c, replay, tip)
		if err != nil {
			db.log.Warn().Str("snapshot", c.point.String()).Err(err).Msg("discarding unusable ledger snapshot")
			if rmErr := db.snapshots.remove(c); rmErr != nil {
				db.log.Warn().Err(rmErr).Msg("could not remove unusable snapshot file")
			}
			continue
		}
		db.states = states
		return nil
	}

	// No usable snapshot: replay everything from genesis.
	states, err := db.replayFromGenesis(replay, tip)
	if err != nil {
		return fmt.Errorf("ledger: replay from genesis: %w", err)
	}
	db.states = states
	return nil
}

func (db *LedgerDB) tryRestoreFrom(c snapshotCandidate, replay ReplaySource, tip chain.Point) ([]entry, error) {
	raw, err := db.snapshots.read(c)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	state, err := db.rules.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	states := []entry{{point: c.point, state: state}}
	return db.replayForward(states, replay, tip)
}

func (db *LedgerDB) replayFromGenesis(replay ReplaySource, tip chain.Point) ([]entry, error) {
	states := []entry{{point: chain.Origin, state: db.rules.Genesis()}}
	return db.replayForward(states, replay, tip)
}

func (db *LedgerDB) replayForward(states []entry, replay ReplaySource, tip chain.Point) ([]entry, error) {
	from := states[len(states)-1].point
	if from.Equal(tip) {
		return trimWindow(states, db.k), nil
	}
	blocks, err := replay.ReplayFrom(from, tip)
	if err != nil {
		return nil, fmt.Errorf("replay blocks: %w", err)
	}
	for _, b := range blocks {
		tipState := states[len(states)-1].state
		next, err := db.rules.Apply(tipState, b)
		if err != nil {
			return nil, fmt.Errorf("replay apply block %s: %w", b.Header.H, err)
		}
		states = append(states, entry{point: b.Point(), blockNo: b.Header.BlockNo, state: next})
	}
	return trimWindow(states, db.k), nil
}

func trimWindow(states []entry, k uint64) []entry {
	if uint64(len(states)) > k+1 {
		return append([]entry{}, states[uint64(len(states))-(k+1):]...)
	}
	return states
}
