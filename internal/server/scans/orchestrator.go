package scans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/auth"
	sc "github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/notify"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/attachments"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/repomanager"
)

// Aggregate is the combined verdict over all providers consulted for one
// payload. Aggregation is conservative: one non-clean provider makes the
// aggregate non-clean.
type Aggregate struct {
	FileID      string
	Status      models.ScanStatus
	ThreatLevel models.ThreatLevel
	IsClean     bool
	Threats     []models.Threat
	Results     []Result
	Duration    time.Duration
	SkipReason  string
}

// ContentFetcher loads a file's plaintext bytes and filename for rescans.
// Wired in by the storage manager after construction to keep the dependency
// one-directional.
type ContentFetcher func(ctx context.Context, fileID string) ([]byte, string, error)

// Orchestrator runs payloads through scan providers and applies the verdict
// to the catalog through a single atomic update path shared by the
// synchronous and asynchronous flows.
type Orchestrator struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	registry *ProviderRegistry
	config   *sc.Config
	logger   logging.Logger
	sink     notify.Sink
	metrics  *metrics.Metrics

	fetcher ContentFetcher

	queue chan task
}

func NewOrchestrator(db *sql.DB, repos repomanager.RepositoryManager, registry *ProviderRegistry,
	config *sc.Config, logger logging.Logger, sink notify.Sink, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		db:       db,
		repos:    repos,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "scans"),
		sink:     sink,
		metrics:  m,
		queue:    make(chan task, config.ScanQueueSize),
	}
}

// SetFetcher wires the content fetcher used by rescans.
func (o *Orchestrator) SetFetcher(f ContentFetcher) { o.fetcher = f }

// ScanData scans a payload and applies the verdict to fileID's catalog row.
// Oversized content is not scanned (the skip is recorded) and never blocks
// storage.
func (o *Orchestrator) ScanData(ctx context.Context, fileID string, data []byte, filename string) (*Aggregate, error) {
	start := time.Now()

	if o.config.MaxScanSize > 0 && int64(len(data)) > o.config.MaxScanSize {
		agg := &Aggregate{
			FileID:      fileID,
			Status:      models.ScanSkipped,
			ThreatLevel: models.ThreatUnknown,
			IsClean:     true,
			SkipReason:  fmt.Sprintf("content size %d exceeds maximum scannable size %d", len(data), o.config.MaxScanSize),
			Duration:    time.Since(start),
		}
		if err := o.persistAndApply(ctx, agg); err != nil {
			return nil, err
		}
		return agg, nil
	}

	hash := cryptox.Checksum(data)

	providers := o.registry.Available(ctx)
	if !o.config.MultiScan && len(providers) > 1 {
		providers = providers[:1]
	}

	agg := o.runProviders(ctx, providers, fileID, data, hash, filename)
	agg.Duration = time.Since(start)

	if err := o.persistAndApply(ctx, agg); err != nil {
		return nil, err
	}

	o.metrics.ScanVerdicts.WithLabelValues(string(agg.ThreatLevel)).Inc()
	o.metrics.ScanDuration.Observe(agg.Duration.Seconds())

	return agg, nil
}

// runProviders fans out to every provider, isolating individual failures.
// A failed provider contributes an error record, not an error return.
func (o *Orchestrator) runProviders(ctx context.Context, providers []Provider, fileID string, data []byte, hash, filename string) *Aggregate {
	agg := &Aggregate{FileID: fileID}

	if len(providers) == 0 {
		agg.Status = models.ScanError
		agg.ThreatLevel = models.ThreatUnknown
		o.logger.Error(ctx, "no scan providers available", "file_id", fileID)
		return agg
	}

	results := make([]Result, len(providers))
	errs := make([]error, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, o.config.ScanTimeout)
			defer cancel()
			res, err := p.Scan(pctx, data, hash, filename)
			if err != nil {
				errs[i] = err
				results[i] = Result{Provider: p.Name(), Status: models.ScanError, ThreatLevel: models.ThreatUnknown}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	// Goroutines only record into their slot; Wait cannot fail.
	_ = g.Wait()

	succeeded := 0
	for i := range results {
		if errs[i] != nil {
			o.logger.Warn(ctx, "scan provider failed", "provider", providers[i].Name(), "file_id", fileID, "error", errs[i].Error())
		} else {
			succeeded++
		}
		agg.Results = append(agg.Results, results[i])
	}

	if succeeded == 0 {
		agg.Status = models.ScanError
		agg.ThreatLevel = models.ThreatUnknown
		return agg
	}

	agg.Status = models.ScanClean
	agg.ThreatLevel = models.ThreatClean
	agg.IsClean = true
	for _, res := range agg.Results {
		if res.Status == models.ScanError {
			continue
		}
		if res.ThreatLevel.Severity() > agg.ThreatLevel.Severity() {
			agg.ThreatLevel = res.ThreatLevel
		}
		if res.Status != models.ScanClean {
			agg.IsClean = false
			agg.Status = models.ScanInfected
			agg.Threats = append(agg.Threats, res.Threats...)
		}
	}
	return agg
}

// persistAndApply appends scan records and applies the aggregate verdict to
// the catalog row in one transaction. This is the only place scan outcomes
// touch attachment state, for both sync and async scans.
func (o *Orchestrator) persistAndApply(ctx context.Context, agg *Aggregate) error {
	err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		scanRepo := o.repos.Scans(tx)
		attRepo := o.repos.Attachments(tx)

		if agg.Status == models.ScanSkipped {
			rec := &models.ScanRecord{
				FileID:      agg.FileID,
				Provider:    "none",
				Attempt:     1,
				Status:      models.ScanSkipped,
				ThreatLevel: models.ThreatUnknown,
				IsClean:     true,
				SkipReason:  agg.SkipReason,
			}
			if err := scanRepo.Create(ctx, rec); err != nil {
				return err
			}
		}

		for _, res := range agg.Results {
			attempt, err := scanRepo.NextAttempt(ctx, agg.FileID, res.Provider)
			if err != nil {
				return err
			}
			rec := &models.ScanRecord{
				FileID:       agg.FileID,
				Provider:     res.Provider,
				Attempt:      attempt,
				Status:       res.Status,
				ThreatLevel:  res.ThreatLevel,
				IsClean:      res.Status == models.ScanClean,
				Threats:      res.Threats,
				ScanDuration: res.Duration,
			}
			if rec.ThreatLevel == "" {
				rec.ThreatLevel = models.ThreatUnknown
			}
			if err := scanRepo.Create(ctx, rec); err != nil {
				return err
			}
		}

		return o.applyVerdict(ctx, attRepo, agg)
	})
	if err != nil {
		return fmt.Errorf("apply scan verdict: %w", err)
	}

	o.emitEvents(ctx, agg)
	return nil
}

// applyVerdict maps the aggregate onto catalog status. A clean verdict never
// lifts an existing quarantine; release is always an explicit call.
func (o *Orchestrator) applyVerdict(ctx context.Context, attRepo attachments.Repository, agg *Aggregate) error {
	row, err := attRepo.Get(ctx, agg.FileID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// Scan-only invocations (scanData without storage) have no row.
			return nil
		}
		return err
	}

	switch agg.Status {
	case models.ScanInfected:
		o.metrics.QuarantineEvents.Inc()
		return attRepo.SetScanVerdict(ctx, agg.FileID, models.ScanInfected, models.AttachmentQuarantined, true, false)

	case models.ScanError:
		if o.config.ScanFailurePolicy == sc.FailClosed {
			return attRepo.SetScanVerdict(ctx, agg.FileID, models.ScanError, models.AttachmentQuarantined, true, true)
		}
		// fail-open: stay available, flag for manual review
		status := row.Status
		if status == models.AttachmentPending {
			status = models.AttachmentAvailable
		}
		return attRepo.SetScanVerdict(ctx, agg.FileID, models.ScanError, status, row.IsQuarantined, true)

	case models.ScanSkipped:
		status := row.Status
		if status == models.AttachmentPending {
			status = models.AttachmentAvailable
		}
		return attRepo.SetScanVerdict(ctx, agg.FileID, models.ScanSkipped, status, row.IsQuarantined, row.NeedsReview)

	default: // clean
		status := row.Status
		quarantined := row.IsQuarantined
		if status == models.AttachmentPending && !quarantined {
			status = models.AttachmentAvailable
		}
		return attRepo.SetScanVerdict(ctx, agg.FileID, models.ScanClean, status, quarantined, false)
	}
}

func (o *Orchestrator) emitEvents(ctx context.Context, agg *Aggregate) {
	switch agg.Status {
	case models.ScanInfected:
		detail := map[string]string{"threat_level": string(agg.ThreatLevel)}
		for i, t := range agg.Threats {
			if i >= 5 {
				break
			}
			detail[fmt.Sprintf("threat_%d", i)] = t.Name
		}
		o.sink.Notify(ctx, notify.Event{
			Type:      notify.EventVirusDetected,
			FileID:    agg.FileID,
			Actor:     auth.ActorID(ctx),
			Detail:    detail,
			Timestamp: time.Now().UTC(),
		})
	case models.ScanError:
		o.sink.Notify(ctx, notify.Event{
			Type:      notify.EventScanFailed,
			FileID:    agg.FileID,
			Actor:     auth.ActorID(ctx),
			Detail:    map[string]string{"policy": string(o.config.ScanFailurePolicy)},
			Timestamp: time.Now().UTC(),
		})
	}
}

// RescanFile fetches the file's current content and scans it again.
func (o *Orchestrator) RescanFile(ctx context.Context, fileID string) (*Aggregate, error) {
	if o.fetcher == nil {
		return nil, fmt.Errorf("%w: no content fetcher wired", common.ErrInternal)
	}
	data, filename, err := o.fetcher(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return o.ScanData(ctx, fileID, data, filename)
}

// BulkRescanFiles enqueues a background rescan for every file id and
// returns the ids accepted. Queue pressure fails the remainder rather than
// blocking the caller.
func (o *Orchestrator) BulkRescanFiles(ctx context.Context, fileIDs []string) ([]string, error) {
	accepted := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if err := o.EnqueueRescan(ctx, id); err != nil {
			return accepted, err
		}
		accepted = append(accepted, id)
	}
	return accepted, nil
}

// QuarantinedFiles lists every quarantined catalog row.
func (o *Orchestrator) QuarantinedFiles(ctx context.Context) ([]*models.Attachment, error) {
	return o.repos.Attachments(o.db).ListQuarantined(ctx)
}

// ReleaseFromQuarantine lifts a quarantine. It requires an authenticated
// actor; clean rescans never release automatically.
func (o *Orchestrator) ReleaseFromQuarantine(ctx context.Context, fileID, reason string) error {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: quarantine release requires an actor", common.ErrUnauthorized)
	}

	attRepo := o.repos.Attachments(o.db)
	row, err := attRepo.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if !row.IsQuarantined {
		return fmt.Errorf("%w: file %s is not quarantined", common.ErrValidation, fileID)
	}

	if err := attRepo.SetScanVerdict(ctx, fileID, row.VirusScanStatus, models.AttachmentAvailable, false, false); err != nil {
		return err
	}

	o.sink.Notify(ctx, notify.Event{
		Type:      notify.EventQuarantineRelease,
		FileID:    fileID,
		Actor:     actor.ID,
		Detail:    map[string]string{"reason": reason},
		Timestamp: time.Now().UTC(),
	})
	o.logger.Info(ctx, "quarantine released", "file_id", fileID, "actor", actor.ID, "reason", reason)
	return nil
}
