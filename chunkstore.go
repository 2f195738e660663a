package main

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ChunkStore owns the per-(user,upload) temporary directories holding chunk
// blobs, plus the in-memory cumulative size declared per session. Directory
// names are deterministic so resubmitting a chunk overwrites rather than
// appends.
type ChunkStore struct {
	tempPath string

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

type uploadSession struct {
	userID     string
	chunkSizes map[int]int64
	total      int64
	lastWrite  time.Time
}

func NewChunkStore(tempPath string) (*ChunkStore, error) {
	if err := os.MkdirAll(tempPath, 0755); err != nil {
		return nil, err
	}
	return &ChunkStore{
		tempPath: tempPath,
		sessions: make(map[string]*uploadSession),
	}, nil
}

func sessionKey(userID, uploadID string) string {
	return userID + uploadID
}

// SessionDir is the temporary directory for one upload session.
func (s *ChunkStore) SessionDir(userID, uploadID string) string {
	return filepath.Join(s.tempPath, sessionKey(userID, uploadID))
}

// WriteChunk persists one chunk blob named by its index and returns the
// bytes written plus the change in the session's declared cumulative size.
// Overwriting an already-received index contributes only the size delta, so
// duplicates are never double-counted.
func (s *ChunkStore) WriteChunk(userID, uploadID string, index int, r io.Reader) (written, delta int64, err error) {
	dir := s.SessionDir(userID, uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, 0, err
	}

	chunkPath := filepath.Join(dir, strconv.Itoa(index))
	f, err := os.Create(chunkPath)
	if err != nil {
		return 0, 0, err
	}
	written, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(chunkPath)
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(userID, uploadID)]
	if !ok {
		sess = &uploadSession{userID: userID, chunkSizes: make(map[int]int64)}
		s.sessions[sessionKey(userID, uploadID)] = sess
		metricActiveSessions.Inc()
	}
	delta = written - sess.chunkSizes[index]
	sess.chunkSizes[index] = written
	sess.total += delta
	sess.lastWrite = time.Now()
	return written, delta, nil
}

// CumulativeSize is the running total of all chunk bytes declared so far in
// this session.
func (s *ChunkStore) CumulativeSize(userID, uploadID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionKey(userID, uploadID)]; ok {
		return sess.total
	}
	return 0
}

// ChunkCount is the number of distinct chunk indices received.
func (s *ChunkStore) ChunkCount(userID, uploadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionKey(userID, uploadID)]; ok {
		return len(sess.chunkSizes)
	}
	return 0
}

// Cleanup removes the session directory and forgets the session. A missing
// directory is not an error.
func (s *ChunkStore) Cleanup(userID, uploadID string) error {
	s.forget(sessionKey(userID, uploadID))

	err := os.RemoveAll(s.SessionDir(userID, uploadID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Forget drops the in-memory session without touching disk. Used after a
// successful merge, which removes the directory itself.
func (s *ChunkStore) Forget(userID, uploadID string) {
	s.forget(sessionKey(userID, uploadID))
}

func (s *ChunkStore) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		delete(s.sessions, key)
		metricActiveSessions.Dec()
	}
}

// take removes and returns the in-memory session, or nil if unknown.
func (s *ChunkStore) take(key string) *uploadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	delete(s.sessions, key)
	metricActiveSessions.Dec()
	return sess
}

// SweptSession describes one abandoned session removed by a sweep, so the
// caller can return its reserved quota bytes.
type SweptSession struct {
	UserID string
	Bytes  int64
}

// SweepOrphans removes session directories whose last write is older than
// maxAge. Clients that abandon an upload leave these behind. The returned
// slice lists the sessions this process was still tracking; directories left
// over from a previous run carry no in-memory state and are only deleted.
func (s *ChunkStore) SweepOrphans(maxAge time.Duration) []SweptSession {
	entries, err := os.ReadDir(s.tempPath)
	if err != nil {
		log.Warn().Err(err).Msg("orphan sweep: cannot read temp dir")
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var swept []SweptSession
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.tempPath, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("orphan sweep: remove failed")
			continue
		}
		if sess := s.take(entry.Name()); sess != nil {
			swept = append(swept, SweptSession{UserID: sess.userID, Bytes: sess.total})
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept orphaned upload sessions")
	}
	return swept
}
