package ledger

import "github.com/fmaste/cardano-world/chain"

// LedgerState is an opaque ledger snapshot. Ledger transition rules are out
// of scope per spec §1; this core only ever moves states forward via Rules
// and serializes/deserializes them via Rules, never inspecting them.
type LedgerState interface{}

// LedgerView is the narrow, read-only surface ProtocolState (spec §1's
// opaque cryptoeconomic-protocol collaborator) consumes. It deliberately
// does not expose mutation, mirroring how state/protocol/badger/snapshot.go
// hands out read-only Snapshot views over mutable chain state.
type LedgerView interface {
	Point() chain.Point
	State() LedgerState
}

type ledgerView struct {
	point chain.Point
	state LedgerState
}

func (v ledgerView) Point() chain.Point { return v.point }
func (v ledgerView) State() LedgerState { return v.state }

// Rules is the injectable contract for the ledger transition rules this
// core treats as an external collaborator (spec §1 non-goal: "Ledger
// transition rules ... are out of scope").
type Rules interface {
	// Genesis returns the state before any block has been applied.
	Genesis() LedgerState

	// Apply applies block on top of state, returning the resulting state.
	// On error the caller must leave its own state unchanged (spec §4.3
	// push: "on failure leaves state unchanged").
	Apply(state LedgerState, block *chain.Block) (LedgerState, error)

	// Encode/Decode (de)serialize a state for disk snapshots.
	Encode(state LedgerState) ([]byte, error)
	Decode([]byte) (LedgerState, error)
}
