package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunkFiles(t *testing.T, dir string, chunks map[int][]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for idx, data := range chunks {
		require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(idx)), data, 0644))
	}
}

func TestMergeOrderDeterminism(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "session")
	// Written in arbitrary arrival order; merge must follow index order.
	writeChunkFiles(t, dir, map[int][]byte{
		2: []byte("CC"),
		0: []byte("AA"),
		1: []byte("BB"),
	})

	dst := filepath.Join(base, "out.bin")
	n, err := MergeChunks(dir, dst, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", string(data))

	// Session directory is gone after a successful merge.
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestMergeMissingChunkFatal(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "session")
	writeChunkFiles(t, dir, map[int][]byte{
		0: []byte("AA"),
		2: []byte("CC"),
	})

	dst := filepath.Join(base, "out.bin")
	_, err := MergeChunks(dir, dst, 3, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 1")

	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err), "partial destination must not survive")
}

func TestMergeMissingSessionDir(t *testing.T) {
	base := t.TempDir()
	_, err := MergeChunks(filepath.Join(base, "nope"), filepath.Join(base, "out"), 1, "")
	require.Error(t, err)
}

func TestMergeHashVerification(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "session")
	writeChunkFiles(t, dir, map[int][]byte{0: []byte("hello "), 1: []byte("world")})

	dst := filepath.Join(base, "out.bin")
	n, err := MergeChunks(dir, dst, 2, md5Hex([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
}

func TestMergeHashMismatchRejected(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "session")
	writeChunkFiles(t, dir, map[int][]byte{0: []byte("tampered")})

	dst := filepath.Join(base, "out.bin")
	_, err := MergeChunks(dir, dst, 1, md5Hex([]byte("original")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}
