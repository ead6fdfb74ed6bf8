// Package server initializes and runs the ingestion pipeline service.
// It wires the catalog, storage backends, encryption codec, scan
// orchestrator, version engine, upload sessions and lifecycle loops, and
// serves Prometheus metrics over HTTP.
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/lifecycle"
	"github.com/dmitrijs2005/docuvault/internal/server/manager"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/notify"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docuvault/internal/server/scans"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
	"github.com/dmitrijs2005/docuvault/internal/server/uploads"
	"github.com/dmitrijs2005/docuvault/internal/server/versions"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	manager *manager.Manager
	scanner *scans.Orchestrator
	uploads *uploads.Manager
	cycle   *lifecycle.Manager
	metrics *metrics.Metrics
	promReg *prometheus.Registry
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	var codec *cryptox.Codec
	if cfg.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("encryption key decode error: %w", err)
		}
		if codec, err = cryptox.NewCodec(key); err != nil {
			return nil, err
		}
	} else if cfg.EncryptByDefault {
		return nil, fmt.Errorf("config error: encryption enabled without a key")
	}

	registry, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	sink := notify.NewLogSink(logger)

	providers := scans.NewProviderRegistry()
	sig, err := scans.NewSignatureProvider(nil)
	if err != nil {
		return nil, err
	}
	providers.Register(sig)
	if cfg.ClamdAddr != "" {
		providers.Register(scans.NewClamdProvider(cfg.ClamdAddr, cfg.ScanTimeout))
	}

	scanner := scans.NewOrchestrator(db, repos, providers, cfg, logger, sink, m)
	versionSvc := versions.NewService(db, repos, registry, codec, sink, logger)
	uploadMgr := uploads.NewManager(cfg, logger, m)
	mgr := manager.NewManager(db, repos, registry, codec, versionSvc, uploadMgr, scanner, cfg, logger, m)
	cycle := lifecycle.NewManager(db, repos, registry, versionSvc, uploadMgr, cfg, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		manager: mgr,
		scanner: scanner,
		uploads: uploadMgr,
		cycle:   cycle,
		metrics: m,
		promReg: promReg,
	}, nil
}

// Manager exposes the pipeline entry point to the enclosing API layer.
func (app *App) Manager() *manager.Manager { return app.manager }

func buildBackends(ctx context.Context, cfg *config.Config, logger logging.Logger) (*storage.Registry, error) {
	registry := storage.NewRegistry(cfg.DefaultBackend)

	s3b, err := storage.NewS3Backend(ctx, storage.S3Options{
		User:         cfg.S3RootUser,
		Password:     cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("s3 init error: %w", err)
	}
	if err := s3b.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("s3 bucket setup error: %w", err)
	}
	registry.Register(s3b)

	localb, err := storage.NewLocalBackend(storage.LocalOptions{
		Root:        cfg.LocalRoot,
		QuotaBytes:  cfg.LocalQuotaBytes,
		TokenSigner: storage.NewURLTokenSigner([]byte(cfg.SecretKey)),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("local backend init error: %w", err)
	}
	registry.Register(localb)

	return registry, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "metrics server listening", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, "metrics server error", "error", err.Error())
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scanner.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.cycle.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
	app.logger.Info(ctx, "app stopped")
}
