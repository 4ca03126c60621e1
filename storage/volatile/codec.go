package volatile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fmaste/cardano-world/chain"
)

// Segment framing mirrors the blob framing used by storage/immutable
// (length-prefixed header, then length-prefixed body), so both engines
// share the same low-level record shape even though they serve different
// lifecycle stages.

func encodeHeader(h *chain.Header) []byte {
	buf := make([]byte, 0, chain.HashLen*2+8+8+1+4+len(h.ProtocolFields))
	buf = append(buf, h.H[:]...)
	buf = append(buf, h.PrevHash[:]...)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(h.Slot))
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(h.BlockNo))
	buf = append(buf, tmp8[:]...)
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
		return chain.Header{}, fmt.Errorf("volatile: header record too short")
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
		return chain.Header{}, fmt.Errorf("volatile: header record truncated fields")
	}
	if fieldsLen > 0 {
		h.ProtocolFields = append([]byte{}, buf[off:off+int(fieldsLen)]...)
	}
	return h, nil
}

func writeBlockRecord(w io.Writer, b *chain.Block) (int, error) {
	headerBytes := encodeHeader(&b.Header)
	var lenBuf [4]byte
	n := 0
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(headerBytes); err != nil {
		return n, err
	}
	n += len(headerBytes)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b.Body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return n, err
	}
	n += 4
	if len(b.Body) > 0 {
		if _, err := w.Write(b.Body); err != nil {
			return n, err
		}
		n += len(b.Body)
	}
	return n, nil
}

func readBlockRecord(r io.Reader) (*chain.Block, int, error) {
	var lenBuf [4]byte
	m, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if m == 0 {
			return nil, 0, io.EOF
		}
		return nil, m, fmt.Errorf("volatile: truncated header length prefix: %w", err)
	}
	headerLen := binary.BigEndian.Uint32(lenBuf[:])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 4, fmt.Errorf("volatile: truncated header: %w", err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, 4 + int(headerLen), err
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 4 + int(headerLen), fmt.Errorf("volatile: truncated body length prefix: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 4 + int(headerLen) + 4, fmt.Errorf("volatile: truncated body: %w", err)
		}
	}
	total := 4 + int(headerLen) + 4 + int(bodyLen)
	return &chain.Block{Header: header, Body: body}, total, nil
}
