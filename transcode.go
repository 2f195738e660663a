package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// TransferTask asks the pipeline to merge and transcode one pending record.
// Delivery is at-least-once: processing is idempotent on (fileId, userId)
// because the status guard and the conditional terminal update both no-op
// once a record has left TRANSFER.
type TransferTask struct {
	FileID     string
	UserID     string
	ChunkCount int
}

// TranscodePipeline consumes transfer tasks from a queue with a worker
// pool. Each task merges the session's chunks into the permanent store and
// derives viewer artifacts: segmented video plus a cover frame, or an image
// thumbnail. The record then takes its one-shot terminal transition
// TRANSFER -> READY or TRANSFER -> TRANSFER_FAILED.
type TranscodePipeline struct {
	catalog  *Catalog
	chunks   *ChunkStore
	mirror   *Mirror
	basePath string

	ffmpeg         string
	segmentSeconds int
	thumbnailWidth int

	tasks chan TransferTask
	wg    sync.WaitGroup

	// runCmd executes an external command; replaceable in tests.
	runCmd func(name string, args ...string) error
}

func NewTranscodePipeline(catalog *Catalog, chunks *ChunkStore, mirror *Mirror, basePath string, cfg *Config) *TranscodePipeline {
	return &TranscodePipeline{
		catalog:        catalog,
		chunks:         chunks,
		mirror:         mirror,
		basePath:       basePath,
		ffmpeg:         cfg.Transcode.FFmpegPath,
		segmentSeconds: cfg.Transcode.SegmentSeconds,
		thumbnailWidth: cfg.Transcode.ThumbnailWidth,
		tasks:          make(chan TransferTask, cfg.Transcode.QueueSize),
		runCmd:         runCommand,
	}
}

func runCommand(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *TranscodePipeline) Start(workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				p.process(task)
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight work.
func (p *TranscodePipeline) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

// Enqueue publishes a task. Callers must only do this after the pending
// catalog record is durably visible.
func (p *TranscodePipeline) Enqueue(task TransferTask) {
	p.tasks <- task
}

func (p *TranscodePipeline) process(task TransferTask) {
	f, err := p.catalog.FindByID(task.FileID, task.UserID)
	if err != nil {
		log.Error().Err(err).Str("file", task.FileID).Msg("transfer: record lookup failed")
		return
	}
	if f == nil || f.Status != StatusTransfer {
		return
	}

	sessionDir := p.chunks.SessionDir(task.UserID, task.FileID)
	target := filepath.Join(p.basePath, "files", filepath.FromSlash(f.FilePath))

	size, err := MergeChunks(sessionDir, target, task.ChunkCount, f.FileMD5)
	if err != nil {
		metricMergeFailures.Inc()
		log.Error().Err(err).Str("file", task.FileID).Str("user", task.UserID).Msg("chunk merge failed")
		if cerr := p.chunks.Cleanup(task.UserID, task.FileID); cerr != nil {
			log.Warn().Err(cerr).Str("file", task.FileID).Msg("session cleanup after failed merge")
		}
		p.finish(task, StatusTransferFail, 0, "")
		return
	}
	p.chunks.Forget(task.UserID, task.FileID)

	ok := true
	cover := ""
	switch f.FileCategory {
	case CategoryVideo:
		if err := p.cutVideo(target, task.FileID); err != nil {
			log.Error().Err(err).Str("file", task.FileID).Msg("video segmentation failed")
			ok = false
			break
		}
		ext := path.Ext(f.FilePath)
		cover = strings.TrimSuffix(f.FilePath, ext) + coverSuffix
		if err := p.createCover(target, filepath.Join(p.basePath, "files", filepath.FromSlash(cover))); err != nil {
			log.Error().Err(err).Str("file", task.FileID).Msg("video cover failed")
			ok = false
		}
	case CategoryImage:
		ext := path.Ext(f.FilePath)
		cover = strings.TrimSuffix(f.FilePath, ext) + "_" + ext
		coverPath := filepath.Join(p.basePath, "files", filepath.FromSlash(cover))
		if err := p.createThumbnail(target, coverPath); err != nil {
			// Thumbnailing is best effort; serve the original instead.
			if cerr := copyFile(target, coverPath); cerr != nil {
				log.Error().Err(cerr).Str("file", task.FileID).Msg("thumbnail fallback copy failed")
				ok = false
			}
		}
	}

	// Record whatever landed on disk, even for a failed run.
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}

	status := StatusReady
	if !ok {
		status = StatusTransferFail
	}
	p.finish(task, status, size, cover)

	if ok && p.mirror != nil {
		p.mirror.UploadAsync(target, f.FilePath)
	}
}

func (p *TranscodePipeline) finish(task TransferTask, status int, size int64, cover string) {
	updated, err := p.catalog.UpdateStatusWithOldStatus(task.FileID, task.UserID, status, size, cover, StatusTransfer)
	if err != nil {
		log.Error().Err(err).Str("file", task.FileID).Msg("terminal status update failed")
		return
	}
	if !updated {
		log.Warn().Str("file", task.FileID).Msg("terminal status update skipped, record no longer pending")
		return
	}
	result := "ready"
	if status != StatusReady {
		result = "failed"
	}
	metricTranscodes.WithLabelValues(result).Inc()
}

const (
	coverSuffix     = ".png"
	segmentManifest = "index.m3u8"
	segmentIntermTS = "index.ts"
	segmentIndexFmt = "%s_%%4d.ts"
	annexbBitstream = "h264_mp4toannexb"
)

// cutVideo produces the segmented transport-stream set next to the merged
// file: <name>/<fileId>_0000.ts ... plus index.m3u8.
func (p *TranscodePipeline) cutVideo(target, fileID string) error {
	tsDir := strings.TrimSuffix(target, path.Ext(target))
	if err := os.MkdirAll(tsDir, 0755); err != nil {
		return err
	}
	indexTS := filepath.Join(tsDir, segmentIntermTS)
	if err := p.runCmd(p.ffmpeg, "-y", "-i", target,
		"-vcodec", "copy", "-acodec", "copy", "-vbsf", annexbBitstream, indexTS); err != nil {
		return err
	}
	if err := p.runCmd(p.ffmpeg, "-i", indexTS,
		"-c", "copy", "-map", "0", "-f", "segment",
		"-segment_list", filepath.Join(tsDir, segmentManifest),
		"-segment_time", strconv.Itoa(p.segmentSeconds),
		filepath.Join(tsDir, fmt.Sprintf(segmentIndexFmt, fileID))); err != nil {
		return err
	}
	os.Remove(indexTS)
	return nil
}

// createCover extracts one still frame scaled to the target width.
func (p *TranscodePipeline) createCover(src, dst string) error {
	return p.runCmd(p.ffmpeg, "-i", src, "-y", "-f", "image2", "-t", "0.001",
		"-vf", fmt.Sprintf("scale=%d:-1", p.thumbnailWidth), dst)
}

// createThumbnail downscales an image to the target width.
func (p *TranscodePipeline) createThumbnail(src, dst string) error {
	return p.runCmd(p.ffmpeg, "-i", src, "-y",
		"-vf", fmt.Sprintf("scale=%d:-1", p.thumbnailWidth), dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
