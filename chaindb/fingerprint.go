package chaindb

import "github.com/fmaste/cardano-world/chain"

// WithFingerprint pairs a value with the monotonic version counter spec §3
// defines for InvalidBlocks, so consumers (the network layer rejecting
// upstream blocks) can cache their own decision against Fingerprint instead
// of re-deriving it on every call.
type WithFingerprint[T any] struct {
	Value       T
	Fingerprint uint64
}

// InvalidBlockReasons is the snapshot handed back by GetIsInvalidBlock:
// spec §6's `WithFingerprint<Map<H, reason>>`.
type InvalidBlockReasons = WithFingerprint[map[chain.Hash]string]
