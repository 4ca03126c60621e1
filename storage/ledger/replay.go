package ledger

import "github.com/fmaste/cardano-world/chain"

// ReplaySource supplies the blocks needed to replay forward from a
// snapshot (or genesis) up to the immutable tip, per spec §4.3 "restore()
// ... re-applies blocks from the ImmutableDB up to the current immutable
// tip." It is a narrow interface rather than a direct dependency on
// storage/immutable so LedgerDB stays testable without a real on-disk
// ImmutableDB, the same way module.CacheMetrics decouples storage/badger's
// cache from any one metrics backend.
type ReplaySource interface {
	// ReplayFrom returns every block strictly after from up to and
	// including to, in chain order.
	ReplayFrom(from, to chain.Point) ([]*chain.Block, error)
}
