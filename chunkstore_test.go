package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	s, err := NewChunkStore(filepath.Join(t.TempDir(), "temp"))
	require.NoError(t, err)
	return s
}

func TestWriteChunkIdempotent(t *testing.T) {
	s := newTestChunkStore(t)

	written, delta, err := s.WriteChunk("u1", "up1", 0, bytes.NewReader([]byte("AA")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(2), delta)
	assert.Equal(t, int64(2), s.CumulativeSize("u1", "up1"))

	// Resubmitting the same index overwrites and is not double-counted.
	written, delta, err = s.WriteChunk("u1", "up1", 0, bytes.NewReader([]byte("AA")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(0), delta)
	assert.Equal(t, int64(2), s.CumulativeSize("u1", "up1"))

	// A differently sized overwrite adjusts by the difference.
	_, delta, err = s.WriteChunk("u1", "up1", 0, bytes.NewReader([]byte("AAAA")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), delta)
	assert.Equal(t, int64(4), s.CumulativeSize("u1", "up1"))
	assert.Equal(t, 1, s.ChunkCount("u1", "up1"))
}

func TestChunkFileNamedByIndex(t *testing.T) {
	s := newTestChunkStore(t)
	_, _, err := s.WriteChunk("u1", "up1", 3, bytes.NewReader([]byte("xyz")))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.SessionDir("u1", "up1"), "3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), data)
}

func TestCleanupTolerantOfMissingDir(t *testing.T) {
	s := newTestChunkStore(t)
	assert.NoError(t, s.Cleanup("nobody", "nothing"))
}

func TestCleanupRemovesSession(t *testing.T) {
	s := newTestChunkStore(t)
	_, _, err := s.WriteChunk("u1", "up1", 0, bytes.NewReader([]byte("AA")))
	require.NoError(t, err)

	require.NoError(t, s.Cleanup("u1", "up1"))
	_, statErr := os.Stat(s.SessionDir("u1", "up1"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, int64(0), s.CumulativeSize("u1", "up1"))
}

func TestSweepOrphans(t *testing.T) {
	s := newTestChunkStore(t)
	_, _, err := s.WriteChunk("u1", "old", 0, bytes.NewReader([]byte("AA")))
	require.NoError(t, err)
	_, _, err = s.WriteChunk("u1", "fresh", 0, bytes.NewReader([]byte("BB")))
	require.NoError(t, err)

	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(s.SessionDir("u1", "old"), stale, stale))

	swept := s.SweepOrphans(24 * time.Hour)
	require.Len(t, swept, 1)
	assert.Equal(t, "u1", swept[0].UserID)
	assert.Equal(t, int64(2), swept[0].Bytes)

	_, err = os.Stat(s.SessionDir("u1", "old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.SessionDir("u1", "fresh"))
	assert.NoError(t, err)
	assert.Equal(t, int64(0), s.CumulativeSize("u1", "old"))
}
