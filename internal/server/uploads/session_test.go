package uploads

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	return NewManager(cfg, nopLogger{}, metrics.NewNop())
}

func TestDetermineStrategy(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		size    int64
		quality models.ConnectionQuality
		want    models.UploadStrategy
	}{
		{1 << 20, models.ConnectionGood, models.UploadDirect},
		{5 << 20, models.ConnectionGood, models.UploadChunked},
		{50 << 20, models.ConnectionGood, models.UploadChunked},
		{100 << 20, models.ConnectionGood, models.UploadMultipart},
		{500 << 20, models.ConnectionGood, models.UploadMultipart},
		{1 << 20, models.ConnectionPoor, models.UploadResumable},
		{500 << 20, models.ConnectionPoor, models.UploadResumable},
	}
	for _, tc := range tests {
		if got := m.DetermineStrategy(tc.size, tc.quality); got != tc.want {
			t.Errorf("DetermineStrategy(%d, %s) = %s, want %s", tc.size, tc.quality, got, tc.want)
		}
	}
}

func TestCreateSession_ChunkMath(t *testing.T) {
	m := newTestManager(t)

	s, err := m.CreateSession(context.Background(), CreateRequest{
		FileID:    "files/other/2026-08-31/x",
		TotalSize: 12 << 20,
	})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if s.TotalChunks != 3 {
		t.Fatalf("TotalChunks = %d, want 3", s.TotalChunks)
	}
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", m.SessionCount())
	}
}

func TestCreateSession_RejectsBadInput(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateSession(context.Background(), CreateRequest{FileID: "x"}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("zero size: error = %v, want ErrValidation", err)
	}
	if _, err := m.CreateSession(context.Background(), CreateRequest{TotalSize: 1}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("missing file id: error = %v, want ErrValidation", err)
	}
}

// 12 MB upload in 5 MB chunks: chunks arrive out of order, progress tracks
// received count, and completion reassembles the exact original bytes.
func TestUploadChunk_OutOfOrderCompletion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	payload := make([]byte, 12<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand error: %v", err)
	}

	var reassembled []byte
	m.SetCompleteFunc(func(ctx context.Context, s *Session, data []byte) error {
		reassembled = data
		return nil
	})

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: int64(len(payload))})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	chunk := func(n int) []byte {
		start := int64(n) * s.ChunkSize
		end := start + s.expectedChunkLen(n)
		return payload[start:end]
	}

	p, err := m.UploadChunk(ctx, s.SessionID, 1, chunk(1), "")
	if err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if p.ReceivedChunks != 1 || p.IsComplete {
		t.Fatalf("after chunk 1: %+v", p)
	}

	p, err = m.UploadChunk(ctx, s.SessionID, 0, chunk(0), "")
	if err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if p.ReceivedChunks != 2 {
		t.Fatalf("after chunk 0: %+v", p)
	}
	if p.Percent < 66 || p.Percent > 67 {
		t.Fatalf("Percent = %v, want ~66.7", p.Percent)
	}

	p, err = m.UploadChunk(ctx, s.SessionID, 2, chunk(2), "")
	if err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if !p.IsComplete {
		t.Fatalf("session not complete: %+v", p)
	}

	if len(reassembled) != 12582912 {
		t.Fatalf("reassembled size = %d, want 12582912", len(reassembled))
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("reassembled bytes differ from original")
	}
	if cryptox.Checksum(reassembled) != cryptox.Checksum(payload) {
		t.Fatal("checksum mismatch after reassembly")
	}
	if m.SessionCount() != 0 {
		t.Fatalf("session not removed: count = %d", m.SessionCount())
	}
}

func TestUploadChunk_Validation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.SetCompleteFunc(func(context.Context, *Session, []byte) error { return nil })

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 12 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	if _, err := m.UploadChunk(ctx, "missing", 0, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown session: error = %v, want ErrNotFound", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, 3, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrChunkOutOfRange) {
		t.Fatalf("out of range: error = %v, want ErrChunkOutOfRange", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, -1, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrChunkOutOfRange) {
		t.Fatalf("negative index: error = %v, want ErrChunkOutOfRange", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, 0, make([]byte, 100), ""); !errors.Is(err, common.ErrChunkSizeMismatch) {
		t.Fatalf("short chunk: error = %v, want ErrChunkSizeMismatch", err)
	}
	// last chunk must be exactly the remainder
	if _, err := m.UploadChunk(ctx, s.SessionID, 2, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrChunkSizeMismatch) {
		t.Fatalf("oversized last chunk: error = %v, want ErrChunkSizeMismatch", err)
	}

	data := make([]byte, 5<<20)
	if _, err := m.UploadChunk(ctx, s.SessionID, 0, data, cryptox.Checksum([]byte("other"))); !errors.Is(err, common.ErrChecksumMismatch) {
		t.Fatalf("bad checksum: error = %v, want ErrChecksumMismatch", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, 0, data, cryptox.Checksum(data)); err != nil {
		t.Fatalf("good checksum rejected: %v", err)
	}
}

func TestUploadChunk_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.SetCompleteFunc(func(context.Context, *Session, []byte) error { return nil })

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	data := make([]byte, 5<<20)
	if _, err := m.UploadChunk(ctx, s.SessionID, 0, data, ""); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	p, err := m.UploadChunk(ctx, s.SessionID, 0, data, "")
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if p.ReceivedChunks != 1 || p.IsComplete {
		t.Fatalf("re-upload changed progress: %+v", p)
	}
}

// A chunk landing in the window between completion and session teardown
// reports the finished progress instead of failing; the handoff must not
// run a second time.
func TestUploadChunk_DuplicateAfterCompletion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	completions := 0
	m.SetCompleteFunc(func(context.Context, *Session, []byte) error {
		completions++
		return nil
	})

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, 0, make([]byte, 5<<20), ""); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	p, err := m.UploadChunk(ctx, s.SessionID, 1, make([]byte, 5<<20), "")
	if err != nil {
		t.Fatalf("late duplicate: %v", err)
	}
	if !p.IsComplete || p.ReceivedChunks != p.TotalChunks {
		t.Fatalf("late duplicate progress = %+v, want complete", p)
	}
	if completions != 0 {
		t.Fatalf("completion handler ran %d times for the duplicate", completions)
	}
}

func TestUploadChunk_ConcurrentSameSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	completions := 0
	m.SetCompleteFunc(func(ctx context.Context, s *Session, data []byte) error {
		completions++
		return nil
	})

	const chunks = 8
	total := int64(chunks) * (5 << 20)
	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: total})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, chunks)
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := m.UploadChunk(ctx, s.SessionID, n, make([]byte, 5<<20), ""); err != nil {
				errs <- fmt.Errorf("chunk %d: %w", n, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if completions != 1 {
		t.Fatalf("completions = %d, want exactly 1", completions)
	}
}

func TestResume(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 20 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	if _, err := m.UploadChunk(ctx, s.SessionID, 0, make([]byte, 5<<20), ""); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if _, err := m.UploadChunk(ctx, s.SessionID, 2, make([]byte, 5<<20), ""); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}

	info, err := m.Resume(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if info.NextChunk != 1 {
		t.Fatalf("NextChunk = %d, want 1", info.NextChunk)
	}
	if len(info.RemainingChunks) != 2 || info.RemainingChunks[0] != 1 || info.RemainingChunks[1] != 3 {
		t.Fatalf("RemainingChunks = %v, want [1 3]", info.RemainingChunks)
	}
}

func TestCancel_ReleasesSessionAndInvokesHook(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var cleaned string
	m.SetCancelFunc(func(ctx context.Context, fileID string) error {
		cleaned = fileID
		return nil
	})

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	if err := m.Cancel(ctx, s.SessionID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if cleaned != "f1" {
		t.Fatalf("cleanup hook got %q, want f1", cleaned)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("session still present after cancel")
	}
	if err := m.Cancel(ctx, s.SessionID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("second cancel: error = %v, want ErrNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s1, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	s2, err := m.CreateSession(ctx, CreateRequest{FileID: "f2", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	s1.ExpiresAt = time.Now().Add(-time.Minute)

	if n := m.SweepExpired(ctx); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", m.SessionCount())
	}

	if _, err := m.UploadChunk(ctx, s1.SessionID, 0, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("swept session: error = %v, want ErrNotFound", err)
	}
	if _, err := m.UploadChunk(ctx, s2.SessionID, 0, make([]byte, 5<<20), ""); err != nil {
		t.Fatalf("live session rejected: %v", err)
	}
}

func TestUploadChunk_ExpiredSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	s.ExpiresAt = time.Now().Add(-time.Second)

	if _, err := m.UploadChunk(ctx, s.SessionID, 0, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
	if _, err := m.Resume(ctx, s.SessionID); !errors.Is(err, common.ErrSessionExpired) {
		t.Fatalf("resume: error = %v, want ErrSessionExpired", err)
	}
}

func TestUploadChunk_RequiredChecksum(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.RequireChunkChecksum = true
	m := NewManager(cfg, nopLogger{}, metrics.NewNop())
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateRequest{FileID: "f1", TotalSize: 10 << 20})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	if _, err := m.UploadChunk(ctx, s.SessionID, 0, make([]byte, 5<<20), ""); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("missing checksum: error = %v, want ErrValidation", err)
	}
}
