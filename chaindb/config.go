package chaindb

import (
	"time"

	"github.com/fmaste/cardano-world/chain"
	"github.com/fmaste/cardano-world/storage/immutable"
	"github.com/fmaste/cardano-world/storage/ledger"
	"github.com/fmaste/cardano-world/storage/volatile"
)

// SlotClock supplies the wall-clock slot, per spec §4.4's clock-skew
// filtering.
type SlotClock interface {
	CurrentSlot() chain.Slot
}

// Config bundles everything chaindb.Open needs to stand up the three
// storage engines and the pipeline behind a single handle, per spec §6.
type Config struct {
	// Root is the directory holding immutable/, volatile/, ledger/ and the
	// marker/lock files (spec §6 "On-disk layout").
	Root string

	// ProtocolMagic is the small network identifier written to (or checked
	// against) protocolMagicId on open (spec §6 "DB-marker contract").
	ProtocolMagic uint32

	K              uint64
	ClockSkewSlots chain.Slot
	MaxQueueLen    int

	ChunkInfo           immutable.ChunkInfo
	ImmValidationPolicy immutable.ValidationPolicy
	ImmCacheMetrics     immutable.CacheMetrics

	VolMaxBlocksPerFile int
	VolValidateAll      bool
	VolValidate         volatile.ValidatePredicate

	LedgerRetainSnapshots int

	Rules ledger.Rules
	Order chain.ChainOrder
	Clock SlotClock

	GCDelay      time.Duration
	CopyInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueLen <= 0 {
		c.MaxQueueLen = 1000
	}
	if c.VolMaxBlocksPerFile <= 0 {
		c.VolMaxBlocksPerFile = 1000
	}
	if c.LedgerRetainSnapshots < 2 {
		c.LedgerRetainSnapshots = 2
	}
	if c.CopyInterval <= 0 {
		c.CopyInterval = time.Second
	}
	if c.Order == nil {
		c.Order = chain.LongestChain{}
	}
	return c
}
