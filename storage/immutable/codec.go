package immutable

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fmaste/cardano-world/chain"
)

// Blob framing: each stored block is a length-prefixed record in the chunk's
// blobs file.
//
//	4 bytes BE uint32 header length | header bytes | 4 bytes BE uint32 body length | body bytes
//
// This is plumbing for this repo's own on-disk layout, not the network
// wire codec (out of scope per spec §1); it follows the manual
// big-endian-framing style of the teacher's storage/ledger/wal/encoding.go.

func encodeHeader(h *chain.Header) []byte {
	buf := make([]byte, 0, chain.HashLen*2+8+8+1+4+len(h.ProtocolFields))
	buf = append(buf, h.H[:]...)
	buf = append(buf, h.PrevHash[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(h.Slot))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(h.BlockNo))
	buf = append(buf, tmp[:]...)
	if h.IsEBB {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], h.BlockSizeHint)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(h.ProtocolFields)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, h.ProtocolFields...)
	return buf
}

func decodeHeader(buf []byte) (chain.Header, error) {
	const fixed = chain.HashLen*2 + 8 + 8 + 1 + 4 + 4
	if len(buf) < fixed {
		return chain.Header{}, fmt.Errorf("immutable: header record too short (%d bytes)", len(buf))
	}
	var h chain.Header
	off := 0
	copy(h.H[:], buf[off:off+chain.HashLen])
	off += chain.HashLen
	copy(h.PrevHash[:], buf[off:off+chain.HashLen])
	off += chain.HashLen
	h.Slot = chain.Slot(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.BlockNo = chain.BlockNo(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.IsEBB = buf[off] == 1
	off++
	h.BlockSizeHint = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fieldsLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+int(fieldsLen) {
		return chain.Header{}, fmt.Errorf("immutable: header record truncated protocol fields")
	}
	if fieldsLen > 0 {
		h.ProtocolFields = append([]byte{}, buf[off:off+int(fieldsLen)]...)
	}
	return h, nil
}

// writeBlobRecord writes one framed block and returns (headerOffset within
// record, headerSize, total bytes written, error).
func writeBlobRecord(w io.Writer, b *chain.Block) (headerOffset uint16, headerSize uint16, total int, err error) {
	headerBytes := encodeHeader(&b.Header)
	if len(headerBytes) > 1<<16-1 {
		return 0, 0, 0, fmt.Errorf("immutable: header too large to frame (%d bytes)", len(headerBytes))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	if _, err = w.Write(lenBuf[:]); err != nil {
		return 0, 0, 0, err
	}
	if _, err = w.Write(headerBytes); err != nil {
		return 0, 0, 0, err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b.Body)))
	if _, err = w.Write(lenBuf[:]); err != nil {
		return 0, 0, 0, err
	}
	if len(b.Body) > 0 {
		if _, err = w.Write(b.Body); err != nil {
			return 0, 0, 0, err
		}
	}
	total = 4 + len(headerBytes) + 4 + len(b.Body)
	return 4, uint16(len(headerBytes)), total, nil
}

// readBlobRecord reads one framed block starting at the reader's current
// position. Returns io.EOF (unwrapped) only when zero bytes could be read
// before the length prefix, signalling a clean end of file.
func readBlobRecord(r io.Reader) (*chain.Block, int, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if n == 0 {
			return nil, 0, io.EOF
		}
		return nil, n, fmt.Errorf("immutable: truncated header length prefix: %w", err)
	}
	headerLen := binary.BigEndian.Uint32(lenBuf[:])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 4, fmt.Errorf("immutable: truncated header body: %w", err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, 4 + int(headerLen), err
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 4 + int(headerLen), fmt.Errorf("immutable: truncated body length prefix: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 4 + int(headerLen) + 4, fmt.Errorf("immutable: truncated body: %w", err)
		}
	}
	total := 4 + int(headerLen) + 4 + int(bodyLen)
	return &chain.Block{Header: header, Body: body}, total, nil
}

// secondaryRecord mirrors spec §4.1's secondary index record layout:
// (offsetInBlobs u64, headerOffset u16, headerSize u16, hash [32]byte, blockOrEBB u8).
type secondaryRecord struct {
	OffsetInBlobs uint64
	HeaderOffset  uint16
	HeaderSize    uint16
	Hash          chain.Hash
	IsEBB         bool
}

const secondaryRecordSize = 8 + 2 + 2 + chain.HashLen + 1

func (r secondaryRecord) encode() []byte {
	buf := make([]byte, secondaryRecordSize)
	binary.BigEndian.PutUint64(buf[0:], r.OffsetInBlobs)
	binary.BigEndian.PutUint16(buf[8:], r.HeaderOffset)
	binary.BigEndian.PutUint16(buf[10:], r.HeaderSize)
	copy(buf[12:12+chain.HashLen], r.Hash[:])
	if r.IsEBB {
		buf[12+chain.HashLen] = 1
	}
	return buf
}

func decodeSecondaryRecord(buf []byte) (secondaryRecord, error) {
	if len(buf) != secondaryRecordSize {
		return secondaryRecord{}, fmt.Errorf("immutable: secondary record wrong size %d", len(buf))
	}
	var r secondaryRecord
	r.OffsetInBlobs = binary.BigEndian.Uint64(buf[0:])
	r.HeaderOffset = binary.BigEndian.Uint16(buf[8:])
	r.HeaderSize = binary.BigEndian.Uint16(buf[10:])
	copy(r.Hash[:], buf[12:12+chain.HashLen])
	r.IsEBB = buf[12+chain.HashLen] == 1
	return r, nil
}

const noPrimaryEntry uint32 = 0xFFFFFFFF
