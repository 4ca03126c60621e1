package chain

// ProtocolFields is the opaque per-era payload a header carries for the
// cryptoeconomic protocol (leader certificate, VRF proof, signature, ...).
// This core never interprets it; it is handed through to ProtocolState.
type ProtocolFields []byte

// Header is the prefix of a block that is cheap to validate and propagate
// without the body.
type Header struct {
	H              Hash
	Slot           Slot
	BlockNo        BlockNo
	PrevHash       Hash
	IsEBB          bool
	ProtocolFields ProtocolFields
	BlockSizeHint  uint32
}

func (h *Header) Point() Point {
	return NewPoint(h.Slot, h.H)
}

// Block is a Header plus its opaque body payload.
type Block struct {
	Header Header
	Body   []byte
}

func (b *Block) Point() Point {
	return b.Header.Point()
}

// IsGenesisParent reports whether a hash is the reserved "no parent" marker,
// i.e. the block claims Origin as its predecessor.
func IsGenesisParent(h Hash) bool {
	return h.IsZero()
}
