package immutable

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

func chunkBlobsPath(root string, chunk uint32) string {
	return filepath.Join(root, fmt.Sprintf("%06d.chunk", chunk))
}

func chunkPrimaryPath(root string, chunk uint32) string {
	return filepath.Join(root, fmt.Sprintf("%06d.primary", chunk))
}

func chunkSecondaryPath(root string, chunk uint32) string {
	return filepath.Join(root, fmt.Sprintf("%06d.secondary", chunk))
}

// writePrimaryFile rewrites the primary index file (slot-within-chunk ->
// secondary-index-slot) in full. Chunks are bounded to one epoch's worth of
// blocks, so rewriting on every append is simple and cheap enough.
func writePrimaryFile(root string, chunk uint32, primary []uint32) error {
	buf := make([]byte, len(primary)*4)
	for i, v := range primary {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	return os.WriteFile(chunkPrimaryPath(root, chunk), buf, 0o644)
}

