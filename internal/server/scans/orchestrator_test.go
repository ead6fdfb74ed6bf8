package scans

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	sc "github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/notify"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

type fakeProvider struct {
	name      string
	available bool
	result    Result
	err       error
	delay     time.Duration
}

func (p *fakeProvider) Name() string                          { return p.name }
func (p *fakeProvider) IsAvailable(ctx context.Context) bool  { return p.available }
func (p *fakeProvider) Scan(ctx context.Context, data []byte, hash, filename string) (Result, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return Result{}, p.err
	}
	res := p.result
	res.Provider = p.name
	return res, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &sc.Config{}
	cfg.LoadDefaults()
	return NewOrchestrator(nil, nil, NewProviderRegistry(), cfg, nopLogger{}, notify.NewLogSink(nopLogger{}), metrics.NewNop())
}

func cleanResult() Result {
	return Result{Status: models.ScanClean, ThreatLevel: models.ThreatClean}
}

func maliciousResult(name string) Result {
	return Result{
		Status:      models.ScanInfected,
		ThreatLevel: models.ThreatMalicious,
		Threats:     []models.Threat{{Name: name, Type: "virus", Severity: "high"}},
	}
}

// One malicious verdict overrides any number of clean ones.
func TestRunProviders_ConservativeAggregation(t *testing.T) {
	o := newTestOrchestrator(t)

	providers := []Provider{
		&fakeProvider{name: "a", available: true, result: cleanResult()},
		&fakeProvider{name: "b", available: true, result: maliciousResult("Trojan.Test")},
	}

	agg := o.runProviders(context.Background(), providers, "f1", []byte("x"), "hash", "x.bin")

	if agg.IsClean {
		t.Fatal("aggregate clean despite malicious provider")
	}
	if agg.Status != models.ScanInfected {
		t.Fatalf("Status = %s, want infected", agg.Status)
	}
	if agg.ThreatLevel != models.ThreatMalicious {
		t.Fatalf("ThreatLevel = %s, want malicious", agg.ThreatLevel)
	}
	if len(agg.Threats) != 1 || agg.Threats[0].Name != "Trojan.Test" {
		t.Fatalf("Threats = %+v", agg.Threats)
	}
}

func TestRunProviders_AllClean(t *testing.T) {
	o := newTestOrchestrator(t)

	providers := []Provider{
		&fakeProvider{name: "a", available: true, result: cleanResult()},
		&fakeProvider{name: "b", available: true, result: cleanResult()},
	}

	agg := o.runProviders(context.Background(), providers, "f1", []byte("x"), "hash", "x.bin")

	if !agg.IsClean || agg.Status != models.ScanClean || agg.ThreatLevel != models.ThreatClean {
		t.Fatalf("aggregate = %+v, want clean", agg)
	}
	if len(agg.Results) != 2 {
		t.Fatalf("Results = %d, want 2", len(agg.Results))
	}
}

// A failed provider is isolated: the surviving provider's verdict stands.
func TestRunProviders_PartialFailure(t *testing.T) {
	o := newTestOrchestrator(t)

	providers := []Provider{
		&fakeProvider{name: "a", available: true, err: errors.New("engine down")},
		&fakeProvider{name: "b", available: true, result: cleanResult()},
	}

	agg := o.runProviders(context.Background(), providers, "f1", []byte("x"), "hash", "x.bin")

	if !agg.IsClean || agg.Status != models.ScanClean {
		t.Fatalf("aggregate = %+v, want clean despite one failed provider", agg)
	}
}

func TestRunProviders_AllFailed(t *testing.T) {
	o := newTestOrchestrator(t)

	providers := []Provider{
		&fakeProvider{name: "a", available: true, err: errors.New("down")},
		&fakeProvider{name: "b", available: true, err: errors.New("down")},
	}

	agg := o.runProviders(context.Background(), providers, "f1", []byte("x"), "hash", "x.bin")

	if agg.Status != models.ScanError {
		t.Fatalf("Status = %s, want error", agg.Status)
	}
	if agg.ThreatLevel != models.ThreatUnknown {
		t.Fatalf("ThreatLevel = %s, want unknown", agg.ThreatLevel)
	}
	if agg.IsClean {
		t.Fatal("all-failed aggregate must not be clean")
	}
}

func TestRunProviders_NoProviders(t *testing.T) {
	o := newTestOrchestrator(t)

	agg := o.runProviders(context.Background(), nil, "f1", []byte("x"), "hash", "x.bin")
	if agg.Status != models.ScanError || agg.ThreatLevel != models.ThreatUnknown {
		t.Fatalf("aggregate = %+v, want error/unknown", agg)
	}
}

// A provider exceeding the scan timeout is treated as failed for the
// attempt, not as a system-wide failure.
func TestRunProviders_TimeoutIsolated(t *testing.T) {
	o := newTestOrchestrator(t)
	o.config.ScanTimeout = 20 * time.Millisecond

	providers := []Provider{
		&fakeProvider{name: "slow", available: true, delay: time.Second, result: cleanResult()},
		&fakeProvider{name: "fast", available: true, result: maliciousResult("Worm.X")},
	}

	agg := o.runProviders(context.Background(), providers, "f1", []byte("x"), "hash", "x.bin")

	if agg.IsClean || agg.Status != models.ScanInfected {
		t.Fatalf("aggregate = %+v, want infected from fast provider", agg)
	}
}

func TestReleaseFromQuarantine_RequiresActor(t *testing.T) {
	o := newTestOrchestrator(t)

	err := o.ReleaseFromQuarantine(context.Background(), "f1", "verified clean")
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestRescanFile_NoFetcher(t *testing.T) {
	o := newTestOrchestrator(t)

	if _, err := o.RescanFile(context.Background(), "f1"); !errors.Is(err, common.ErrInternal) {
		t.Fatalf("error = %v, want ErrInternal", err)
	}
}

func TestEnqueue_FullQueue(t *testing.T) {
	cfg := &sc.Config{}
	cfg.LoadDefaults()
	cfg.ScanQueueSize = 1
	o := NewOrchestrator(nil, nil, NewProviderRegistry(), cfg, nopLogger{}, notify.NewLogSink(nopLogger{}), metrics.NewNop())

	if err := o.Enqueue(context.Background(), "f1", "a.bin", []byte("x")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := o.Enqueue(context.Background(), "f2", "b.bin", []byte("y")); !errors.Is(err, common.ErrInternal) {
		t.Fatalf("full queue: error = %v, want ErrInternal", err)
	}
}
