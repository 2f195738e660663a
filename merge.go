package main

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// MergeChunks concatenates chunk files 0..chunkCount-1 from sessionDir into
// dstPath. Order is the only correctness-critical invariant: chunks are read
// strictly by ascending index, and any missing or unreadable chunk aborts
// the merge. When wantMD5 is non-empty the assembled bytes are verified
// against it and a mismatch fails the merge. The session directory is
// removed on success.
func MergeChunks(sessionDir, dstPath string, chunkCount int, wantMD5 string) (int64, error) {
	if _, err := os.Stat(sessionDir); err != nil {
		return 0, fmt.Errorf("session directory missing: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return 0, err
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}

	hasher := md5.New()
	w := io.MultiWriter(dst, hasher)

	var total int64
	for i := 0; i < chunkCount; i++ {
		chunk, err := os.Open(filepath.Join(sessionDir, strconv.Itoa(i)))
		if err != nil {
			dst.Close()
			os.Remove(dstPath)
			return 0, fmt.Errorf("chunk %d unreadable: %w", i, err)
		}
		n, err := io.Copy(w, chunk)
		chunk.Close()
		if err != nil {
			dst.Close()
			os.Remove(dstPath)
			return 0, fmt.Errorf("merge chunk %d: %w", i, err)
		}
		total += n
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return 0, err
	}

	if wantMD5 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != wantMD5 {
			os.Remove(dstPath)
			return 0, fmt.Errorf("content hash mismatch: declared %s, assembled %s", wantMD5, got)
		}
	}

	if err := os.RemoveAll(sessionDir); err != nil {
		// The merged file is intact; keep the directory for diagnostics.
		log.Warn().Err(err).Str("dir", sessionDir).Msg("failed to remove session directory after merge")
	}
	return total, nil
}
