package chain

import (
	"encoding/hex"
	"errors"
)

// HashLen is the length in bytes of a block content hash.
const HashLen = 32

// Hash addresses a block or header by its content digest. The zero Hash
// never identifies a stored block; it is only used as a sentinel in
// Point and as the parent hash of the genesis block.
type Hash [HashLen]byte

// ZeroHash is the reserved all-zero hash, never produced by a real digest.
var ZeroHash = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HashFromBytes copies b into a Hash, failing if the length is wrong.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLen {
		return h, errors.New("chain: wrong hash length")
	}
	copy(h[:], b)
	return h, nil
}

// Slot is strictly monotonic logical time. Gaps are allowed: not every
// slot has a block.
type Slot uint64

// BlockNo is a dense height counter, consecutive across parent->child.
type BlockNo uint64
