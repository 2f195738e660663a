package main

import (
	"bytes"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testEnv struct {
	basePath    string
	db          *sql.DB
	catalog     *Catalog
	ledger      *QuotaLedger
	chunks      *ChunkStore
	pipeline    *TranscodePipeline
	coordinator *Coordinator
}

// newTestEnv wires the full pipeline against a throwaway SQLite catalog and
// temp directory. The transcode command runner is stubbed out; tests that
// care about ffmpeg behavior replace pipeline.runCmd themselves. Workers are
// not started; call env.pipeline.Start when async processing is wanted.
func newTestEnv(t *testing.T, totalSpace int64) *testEnv {
	t.Helper()
	base := t.TempDir()

	db, err := OpenDB(filepath.Join(base, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog := NewCatalog(db)
	ledger := NewQuotaLedger(db, catalog, totalSpace, time.Hour)

	chunks, err := NewChunkStore(filepath.Join(base, "temp"))
	require.NoError(t, err)

	cfg := defaultConfig()
	pipeline := NewTranscodePipeline(catalog, chunks, nil, base, cfg)
	pipeline.runCmd = func(name string, args ...string) error { return nil }

	return &testEnv{
		basePath:    base,
		db:          db,
		catalog:     catalog,
		ledger:      ledger,
		chunks:      chunks,
		pipeline:    pipeline,
		coordinator: NewCoordinator(catalog, ledger, chunks, pipeline),
	}
}

func md5Hex(parts ...[]byte) string {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// submit pushes one chunk through the coordinator.
func (env *testEnv) submit(t *testing.T, userID, fileID, fileName, fileMD5 string, index, count int, data []byte) (*UploadResult, error) {
	t.Helper()
	return env.coordinator.SubmitChunk(&UserIdentity{UserID: userID}, &ChunkUpload{
		FileID:     fileID,
		FileName:   fileName,
		FilePid:    rootFolderID,
		FileMD5:    fileMD5,
		ChunkIndex: index,
		ChunkCount: count,
		Size:       int64(len(data)),
		Data:       bytes.NewReader(data),
	})
}

// uploadWhole runs a complete upload of data split into the given chunks and
// returns the minted file id.
func (env *testEnv) uploadWhole(t *testing.T, userID, fileName string, chunkSizes []int, data []byte) string {
	t.Helper()
	sum := md5Hex(data)
	fileID := ""
	offset := 0
	for i, size := range chunkSizes {
		chunk := data[offset : offset+size]
		offset += size
		res, err := env.submit(t, userID, fileID, fileName, sum, i, len(chunkSizes), chunk)
		require.NoError(t, err)
		fileID = res.FileID
	}
	return fileID
}

// waitForStatus polls the catalog until the record leaves TRANSFER.
func (env *testEnv) waitForStatus(t *testing.T, fileID, userID string) *FileInfo {
	t.Helper()
	var f *FileInfo
	require.Eventually(t, func() bool {
		var err error
		f, err = env.catalog.FindByID(fileID, userID)
		require.NoError(t, err)
		return f != nil && f.Status != StatusTransfer
	}, 5*time.Second, 10*time.Millisecond)
	return f
}
