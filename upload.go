package main

import (
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Upload outcome reported to the client.
const (
	UploadStatusInstant   = "instant"   // identical content already stored, no bytes transferred
	UploadStatusUploading = "uploading" // more chunks expected
	UploadStatusComplete  = "complete"  // all chunks received, merge scheduled
)

// UploadResult is the response value for one chunk submission.
type UploadResult struct {
	FileID string `json:"fileId"`
	Status string `json:"status"`
}

// ChunkUpload carries one chunk of a client upload.
type ChunkUpload struct {
	FileID     string // empty on the first chunk of a fresh upload
	FileName   string
	FilePid    string
	FileMD5    string // client-declared hash of the whole file
	ChunkIndex int
	ChunkCount int
	Size       int64
	Data       io.Reader
}

// Coordinator is the front door of the upload pipeline. SubmitChunk runs
// synchronously relative to the caller; merge and transcode happen on the
// pipeline's workers after the pending record is durably inserted.
type Coordinator struct {
	catalog  *Catalog
	ledger   *QuotaLedger
	chunks   *ChunkStore
	pipeline *TranscodePipeline
}

func NewCoordinator(catalog *Catalog, ledger *QuotaLedger, chunks *ChunkStore, pipeline *TranscodePipeline) *Coordinator {
	return &Coordinator{catalog: catalog, ledger: ledger, chunks: chunks, pipeline: pipeline}
}

// SubmitChunk accepts one chunk. On the first chunk it tries the dedup
// short-circuit; otherwise it admits the chunk against the user's quota,
// persists it, and on the final chunk inserts the pending record and
// schedules the merge.
func (co *Coordinator) SubmitChunk(user *UserIdentity, req *ChunkUpload) (result *UploadResult, err error) {
	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.New().String()
	}

	defer func() {
		if err != nil {
			co.failUpload(user.UserID, fileID)
			metricUploads.WithLabelValues("error").Inc()
		} else {
			metricUploads.WithLabelValues(result.Status).Inc()
		}
	}()

	// Dedup short-circuit, first chunk only: identical content already
	// READY in the store completes the upload without touching disk.
	if req.ChunkIndex == 0 {
		existing, derr := co.catalog.FindUsableByHash(req.FileMD5)
		if derr != nil {
			return nil, derr
		}
		if existing != nil {
			if err := co.instantUpload(user.UserID, fileID, req, existing); err != nil {
				return nil, err
			}
			return &UploadResult{FileID: fileID, Status: UploadStatusInstant}, nil
		}
	}

	// Admission is pessimistic: the incoming chunk plus everything this
	// session (and any other in-flight session of the user) has declared
	// must still fit. Many small chunks cannot sneak past the cap.
	if err := co.ledger.Reserve(user.UserID, req.Size); err != nil {
		return nil, err
	}

	written, delta, err := co.chunks.WriteChunk(user.UserID, fileID, req.ChunkIndex, req.Data)
	if err != nil {
		co.ledger.Release(user.UserID, req.Size)
		return nil, err
	}
	// An idempotent overwrite of an already-received index only keeps the
	// size delta reserved.
	if written != delta {
		co.ledger.Release(user.UserID, written-delta)
	}

	if req.ChunkIndex < req.ChunkCount-1 {
		return &UploadResult{FileID: fileID, Status: UploadStatusUploading}, nil
	}

	// Final chunk: insert the pending record, commit the session's bytes,
	// then hand off to the merge/transcode workers. The insert has been
	// acknowledged by the database before Enqueue runs, so the workers can
	// always see the pending record.
	totalSize := co.chunks.CumulativeSize(user.UserID, fileID)

	fileName, err := co.catalog.AutoRename(user.UserID, req.FilePid, req.FileName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ext := path.Ext(fileName)
	record := &FileInfo{
		FileID:       fileID,
		UserID:       user.UserID,
		FileMD5:      req.FileMD5,
		FileName:     fileName,
		FilePid:      req.FilePid,
		FileSize:     totalSize,
		FilePath:     now.Format("200601") + "/" + user.UserID + fileID + ext,
		FileCategory: categoryForName(fileName),
		FolderType:   FolderTypeFile,
		Status:       StatusTransfer,
		DelFlag:      DelFlagActive,
		CreateTime:   now,
	}
	if err := co.catalog.Insert(record); err != nil {
		return nil, err
	}
	if err := co.ledger.Commit(user.UserID, totalSize); err != nil {
		// The pending record is already durable and no task will be
		// enqueued for it; park it in the terminal failed state so it
		// does not sit in TRANSFER forever.
		if _, uerr := co.catalog.UpdateStatusWithOldStatus(fileID, user.UserID, StatusTransferFail, totalSize, "", StatusTransfer); uerr != nil {
			log.Error().Err(uerr).Str("file", fileID).Msg("failed to park record after quota commit error")
		}
		return nil, err
	}

	co.pipeline.Enqueue(TransferTask{
		FileID:     fileID,
		UserID:     user.UserID,
		ChunkCount: req.ChunkCount,
	})
	return &UploadResult{FileID: fileID, Status: UploadStatusComplete}, nil
}

// instantUpload creates a new record referencing the existing physical file
// and debits the user's quota by its declared size.
func (co *Coordinator) instantUpload(userID, fileID string, req *ChunkUpload, existing *FileInfo) error {
	if err := co.ledger.Reserve(userID, existing.FileSize); err != nil {
		return err
	}
	fileName, err := co.catalog.AutoRename(userID, req.FilePid, req.FileName)
	if err != nil {
		co.ledger.Release(userID, existing.FileSize)
		return err
	}
	record := &FileInfo{
		FileID:       fileID,
		UserID:       userID,
		FileMD5:      existing.FileMD5,
		FileName:     fileName,
		FilePid:      req.FilePid,
		FileSize:     existing.FileSize,
		FilePath:     existing.FilePath,
		FileCover:    existing.FileCover,
		FileCategory: existing.FileCategory,
		FolderType:   FolderTypeFile,
		Status:       StatusReady,
		DelFlag:      DelFlagActive,
	}
	if err := co.catalog.Insert(record); err != nil {
		co.ledger.Release(userID, existing.FileSize)
		return err
	}
	return co.ledger.Commit(userID, existing.FileSize)
}

// SweepExpiredSessions garbage-collects abandoned upload sessions and
// returns their reserved quota bytes to the owning users. Both halves
// matter: without the release, every abandoned upload would permanently
// shrink the user's admissible budget.
func (co *Coordinator) SweepExpiredSessions(maxAge time.Duration) int {
	swept := co.chunks.SweepOrphans(maxAge)
	for _, sess := range swept {
		co.ledger.Release(sess.UserID, sess.Bytes)
	}
	return len(swept)
}

// StartSweeper runs SweepExpiredSessions on a ticker until stop is closed.
func (co *Coordinator) StartSweeper(interval, maxAge time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				co.SweepExpiredSessions(maxAge)
			case <-stop:
				return
			}
		}
	}()
}

// failUpload clears all partial state of a failed submission: chunks on
// disk and the bytes this session still had reserved.
func (co *Coordinator) failUpload(userID, fileID string) {
	declared := co.chunks.CumulativeSize(userID, fileID)
	if declared > 0 {
		co.ledger.Release(userID, declared)
	}
	if err := co.chunks.Cleanup(userID, fileID); err != nil {
		log.Warn().Err(err).Str("file", fileID).Msg("failed upload cleanup")
	}
}
