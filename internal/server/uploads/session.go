// Package uploads manages ephemeral upload sessions: strategy selection,
// chunk bookkeeping for chunked and resumable transfers, and reassembly of
// completed uploads. Sessions live in memory only; a process restart
// invalidates them and clients restart from the last confirmed chunk.
package uploads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/auth"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// Session is one in-flight upload. The chunk map is guarded by the
// session's own mutex so two chunks of the same upload can race safely.
type Session struct {
	SessionID   string
	FileID      string
	FileName    string
	Category    models.FileCategory
	ContentType string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int
	Strategy    models.UploadStrategy
	CreatedBy   string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	mu     sync.Mutex
	chunks map[int][]byte
	done   bool
}

func (s *Session) expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// Progress is the state reported back after every chunk operation.
type Progress struct {
	SessionID      string
	ReceivedChunks int
	TotalChunks    int
	Percent        float64
	IsComplete     bool
}

// ResumeInfo tells a client where to continue an interrupted upload.
type ResumeInfo struct {
	Progress
	NextChunk       int
	RemainingChunks []int
}

// CompleteFunc receives the reassembled payload of a finished session.
type CompleteFunc func(ctx context.Context, s *Session, data []byte) error

// CancelFunc removes any provisional catalog state for an abandoned session.
type CancelFunc func(ctx context.Context, fileID string) error

// CreateRequest describes a new session.
type CreateRequest struct {
	FileID      string
	FileName    string
	Category    models.FileCategory
	ContentType string
	TotalSize   int64
	Quality     models.ConnectionQuality
}

// Manager owns the session table. The table itself is guarded by an
// RWMutex; per-chunk state is guarded by each session's mutex.
type Manager struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics

	onComplete CompleteFunc
	onCancel   CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	buffers sync.Pool
}

func NewManager(cfg *config.Config, logger logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		config:   cfg,
		logger:   logger.With("component", "uploads"),
		metrics:  m,
		sessions: make(map[string]*Session),
		buffers: sync.Pool{
			New: func() any { return make([]byte, 0, 1<<20) },
		},
	}
}

// SetCompleteFunc wires the reassembly handoff. Must be set before any
// session can complete.
func (m *Manager) SetCompleteFunc(fn CompleteFunc) { m.onComplete = fn }

// SetCancelFunc wires provisional-state cleanup for cancelled sessions.
func (m *Manager) SetCancelFunc(fn CancelFunc) { m.onCancel = fn }

// DetermineStrategy picks an upload strategy from payload size and link
// quality. A poor connection forces resumable regardless of size.
func (m *Manager) DetermineStrategy(size int64, quality models.ConnectionQuality) models.UploadStrategy {
	if quality == models.ConnectionPoor {
		return models.UploadResumable
	}
	switch {
	case size < m.config.DirectMaxSize:
		return models.UploadDirect
	case size < m.config.ChunkedMaxSize:
		return models.UploadChunked
	default:
		return models.UploadMultipart
	}
}

// CreateSession allocates a session with a fixed TTL. total_chunks is the
// ceiling of size over chunk size.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.TotalSize <= 0 {
		return nil, fmt.Errorf("%w: total size must be positive", common.ErrValidation)
	}
	if req.FileID == "" {
		return nil, fmt.Errorf("%w: file id is required", common.ErrValidation)
	}

	chunkSize := m.config.ChunkSize
	total := int((req.TotalSize + chunkSize - 1) / chunkSize)
	now := time.Now().UTC()

	s := &Session{
		SessionID:   uuid.New().String(),
		FileID:      req.FileID,
		FileName:    req.FileName,
		Category:    req.Category,
		ContentType: req.ContentType,
		TotalSize:   req.TotalSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Strategy:    m.DetermineStrategy(req.TotalSize, req.Quality),
		CreatedBy:   auth.ActorID(ctx),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.config.SessionTTL),
		chunks:      make(map[int][]byte, total),
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()

	m.metrics.UploadsStarted.Inc()
	m.metrics.ActiveSessions.Inc()
	m.logger.Info(ctx, "upload session created",
		"session_id", s.SessionID, "file_id", s.FileID,
		"total_chunks", total, "strategy", string(s.Strategy))
	return s, nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upload session %s", common.ErrNotFound, sessionID)
	}
	return s, nil
}

// expectedChunkLen returns the required length of chunk n. Only the last
// chunk may be short.
func (s *Session) expectedChunkLen(n int) int64 {
	if n == s.TotalChunks-1 {
		return s.TotalSize - int64(n)*s.ChunkSize
	}
	return s.ChunkSize
}

// UploadChunk records chunk n. Re-uploading an already recorded chunk is a
// no-op that returns current progress. When the last missing chunk arrives
// the payload is reassembled in index order and handed off exactly once.
func (m *Manager) UploadChunk(ctx context.Context, sessionID string, n int, data []byte, checksum string) (Progress, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Progress{}, err
	}

	if s.expired(time.Now()) {
		return Progress{}, fmt.Errorf("%w: session %s", common.ErrSessionExpired, sessionID)
	}
	if n < 0 || n >= s.TotalChunks {
		return Progress{}, fmt.Errorf("%w: chunk %d of %d", common.ErrChunkOutOfRange, n, s.TotalChunks)
	}
	if want := s.expectedChunkLen(n); int64(len(data)) != want {
		return Progress{}, fmt.Errorf("%w: chunk %d has %d bytes, want %d",
			common.ErrChunkSizeMismatch, n, len(data), want)
	}
	if checksum == "" && m.config.RequireChunkChecksum {
		return Progress{}, fmt.Errorf("%w: chunk checksum is required", common.ErrValidation)
	}
	if checksum != "" {
		if err := cryptox.VerifyChecksum(data, checksum); err != nil {
			return Progress{}, fmt.Errorf("chunk %d: %w", n, err)
		}
	}

	s.mu.Lock()
	if s.done {
		// Duplicate arriving between completion and session removal: the
		// upload already succeeded, so report it as such.
		s.mu.Unlock()
		return s.progress(s.TotalChunks, true), nil
	}
	if _, exists := s.chunks[n]; !exists {
		buf := append([]byte(nil), data...)
		s.chunks[n] = buf
	}
	received := len(s.chunks)
	complete := received == s.TotalChunks
	if complete {
		s.done = true
	}
	s.mu.Unlock()

	p := s.progress(received, complete)

	if complete {
		if err := m.finish(ctx, s); err != nil {
			m.metrics.UploadsFailed.Inc()
			return p, err
		}
	}
	return p, nil
}

func (s *Session) progress(received int, complete bool) Progress {
	return Progress{
		SessionID:      s.SessionID,
		ReceivedChunks: received,
		TotalChunks:    s.TotalChunks,
		Percent:        float64(received) / float64(s.TotalChunks) * 100,
		IsComplete:     complete,
	}
}

// finish concatenates chunks in index order, hands the payload to the
// completion callback and tears the session down.
func (m *Manager) finish(ctx context.Context, s *Session) error {
	buf := m.buffers.Get().([]byte)[:0]
	defer func() { m.buffers.Put(buf[:0]) }()

	s.mu.Lock()
	for i := 0; i < s.TotalChunks; i++ {
		buf = append(buf, s.chunks[i]...)
	}
	s.chunks = nil
	s.mu.Unlock()

	if int64(len(buf)) != s.TotalSize {
		m.remove(s.SessionID)
		return fmt.Errorf("%w: reassembled %d bytes, want %d", common.ErrIntegrity, len(buf), s.TotalSize)
	}

	if m.onComplete == nil {
		m.remove(s.SessionID)
		return fmt.Errorf("%w: no completion handler", common.ErrInternal)
	}

	data := append([]byte(nil), buf...)
	if err := m.onComplete(ctx, s, data); err != nil {
		m.remove(s.SessionID)
		return fmt.Errorf("complete upload session %s: %w", s.SessionID, err)
	}

	m.remove(s.SessionID)
	m.metrics.UploadsCompleted.Inc()
	m.logger.Info(ctx, "upload session completed", "session_id", s.SessionID, "file_id", s.FileID, "size", s.TotalSize)
	return nil
}

// Resume reports the lowest missing chunk and the full remaining list.
func (m *Manager) Resume(ctx context.Context, sessionID string) (ResumeInfo, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return ResumeInfo{}, err
	}
	if s.expired(time.Now()) {
		return ResumeInfo{}, fmt.Errorf("%w: session %s", common.ErrSessionExpired, sessionID)
	}

	s.mu.Lock()
	received := len(s.chunks)
	var remaining []int
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.chunks[i]; !ok {
			remaining = append(remaining, i)
		}
	}
	s.mu.Unlock()

	sort.Ints(remaining)
	info := ResumeInfo{Progress: s.progress(received, received == s.TotalChunks)}
	info.RemainingChunks = remaining
	if len(remaining) > 0 {
		info.NextChunk = remaining[0]
	} else {
		info.NextChunk = -1
	}
	return info, nil
}

// Cancel discards a session's buffers and any provisional catalog row.
// Cancelling an unknown session returns ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	m.discard(ctx, s, "cancelled")
	return nil
}

func (m *Manager) discard(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	s.chunks = nil
	s.done = true
	s.mu.Unlock()

	m.remove(s.SessionID)

	if m.onCancel != nil {
		if err := m.onCancel(ctx, s.FileID); err != nil {
			m.logger.Warn(ctx, "session cleanup hook failed", "session_id", s.SessionID, "error", err.Error())
		}
	}
	m.logger.Info(ctx, "upload session discarded", "session_id", s.SessionID, "reason", reason)
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		m.metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()
}

// SweepExpired cancels every session past its expiry. Idempotent; called
// from the lifecycle loop.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now()

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.expired(now) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.discard(ctx, s, "expired")
	}
	return len(stale)
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
