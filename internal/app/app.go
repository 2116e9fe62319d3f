// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for a crawl run.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/api"
	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/config"
	"github.com/JakeFAU/crawlctl/internal/controller"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/frontier/memory"
	"github.com/JakeFAU/crawlctl/internal/logging"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/status/sinks"
	"github.com/JakeFAU/crawlctl/internal/storage"
	gcsstorage "github.com/JakeFAU/crawlctl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlctl/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlctl/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlctl/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/crawlctl/internal/storage/sqlite"
	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registerer prometheus.Registerer
	ledger     storage.Ledger
	blobs      storage.BlobStore
	mirror     *checkpoint.Mirror
	listeners  []status.Listener

	gcsClient    *gcs.Client
	pubsubClient *pubsub.Client
	pubsubSink   *sinks.PubSubSink

	frontier *memory.Frontier
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the process logger Build would create.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithRegisterer registers the status collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		a.logger = logger
	}

	a.logger.Info("building application dependencies",
		zap.String("working_dir", cfg.Dirs.Working),
		zap.Int("pool_size", cfg.Crawl.PoolSize),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("blob", cfg.Blob.Backend),
	)

	for _, setup := range []func(context.Context) error{a.setupLedger, a.setupBlobs, a.setupListeners} {
		if err := setup(ctx); err != nil {
			a.closeInfrastructure(ctx)
			return nil, err
		}
	}
	return a, nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Ledger returns the configured run ledger.
func (a *App) Ledger() storage.Ledger { return a.ledger }

// Blobs returns the blob store checkpoints are mirrored to.
func (a *App) Blobs() storage.BlobStore { return a.blobs }

// Mirror returns the checkpoint mirror, nil when mirroring is disabled.
func (a *App) Mirror() *checkpoint.Mirror { return a.mirror }

// Listeners returns the lifecycle listeners registered on every crawl.
func (a *App) Listeners() []status.Listener { return a.listeners }

func (a *App) setupLedger(ctx context.Context) error {
	var err error
	switch a.cfg.Ledger.Backend {
	case config.LedgerPostgres:
		a.ledger, err = pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Ledger.DSN,
			TablePrefix:     a.cfg.Ledger.TablePrefix,
			MaxConns:        a.cfg.Ledger.MaxConns,
			MinConns:        a.cfg.Ledger.MinConns,
			MaxConnLifetime: a.cfg.Ledger.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		a.logger.Info("using postgres ledger")
	case config.LedgerSQLite:
		a.ledger, err = sqlitestore.New(a.cfg.Ledger.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		a.logger.Info("using sqlite ledger", zap.String("path", a.cfg.Ledger.SQLitePath))
	case config.LedgerMemory:
		a.ledger = memorystorage.NewLedger()
		a.logger.Info("using in-memory ledger")
	default:
		a.ledger = storage.NoOpLedger{}
		a.logger.Debug("run ledger disabled")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	var err error
	switch a.cfg.Blob.Backend {
	case config.BlobGCS:
		a.gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Blob.Bucket,
			Prefix: a.cfg.Blob.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.Bucket))
	case config.BlobLocal:
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.LocalDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Debug("using in-memory blob backend")
	}
	if a.cfg.Checkpoint.Mirror {
		a.mirror, err = checkpoint.NewMirror(a.blobs, a.logger.Named("mirror"))
		if err != nil {
			return fmt.Errorf("checkpoint mirror init failed: %w", err)
		}
	}
	return nil
}

func (a *App) setupListeners(ctx context.Context) error {
	a.listeners = append(a.listeners, sinks.NewLogSink(a.logger.Named("status")))

	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.listeners = append(a.listeners, promSink)

	if _, noop := a.ledger.(storage.NoOpLedger); !noop {
		a.listeners = append(a.listeners, sinks.NewLedgerSink(a.ledger, a.logger.Named("ledger")))
	}

	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured")
		return nil
	}
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubSink, err = sinks.NewPubSubSink(a.pubsubClient.Topic(a.cfg.PubSub.TopicName), a.logger.Named("pubsub"))
	if err != nil {
		return fmt.Errorf("pubsub sink init failed: %w", err)
	}
	a.listeners = append(a.listeners, a.pubsubSink)
	a.logger.Info("Pub/Sub sink initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// NewController builds the crawl controller over the reference frontier
// and queues seeds. Seeds already seen by a recovered crawl are skipped.
func (a *App) NewController(seeds []string) (*controller.Controller, error) {
	maxAttempts := a.cfg.Frontier.MaxAttempts
	ctrl, err := controller.New(a.cfg.Controller(), controller.Deps{
		Frontier: func(reg *bigmap.Registry, logger *zap.Logger) (crawl.Frontier, error) {
			f, err := memory.New(memory.Config{MaxAttempts: maxAttempts, Registry: reg, Logger: logger})
			if err != nil {
				return nil, err
			}
			a.frontier = f
			return f, nil
		},
		Listeners: a.listeners,
		Mirror:    a.mirror,
		Logger:    a.logger.Named("controller"),
	})
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	added := 0
	for _, uri := range seeds {
		ok, err := a.frontier.Add(uri)
		if err != nil {
			if cerr := a.shutdown(ctrl, nil, nil); cerr != nil {
				a.logger.Warn("controller close failed", zap.Error(cerr))
			}
			return nil, fmt.Errorf("queue seed %q: %w", uri, err)
		}
		if ok {
			added++
		}
	}
	a.logger.Info("seeds queued", zap.Int("added", added), zap.Int("given", len(seeds)))
	return ctrl, nil
}

// Seeds collects the configured seed URIs from crawl.seeds and
// crawl.seeds_file. Blank lines and lines starting with # are ignored.
func (a *App) Seeds() ([]string, error) {
	seeds := append([]string{}, a.cfg.Crawl.Seeds...)
	if a.cfg.Crawl.SeedsFile == "" {
		return seeds, nil
	}
	f, err := os.Open(a.cfg.Crawl.SeedsFile)
	if err != nil {
		return nil, fmt.Errorf("open seeds file: %w", err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seeds file: %w", err)
	}
	return seeds, nil
}

// Run starts a crawl and blocks until it finishes or the context is
// canceled, in which case the crawl is stopped as aborted.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seeds, err := a.Seeds()
	if err != nil {
		return err
	}
	ctrl, err := a.NewController(seeds)
	if err != nil {
		return err
	}
	a.logger.Info("crawl built", zap.String("crawl_id", ctrl.CrawlID()))

	var srv *http.Server
	if a.cfg.Server.Enabled {
		apiServer := api.NewServer(ctrl, api.Config{APIKey: a.authKey()}, a.logger.Named("api"))
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	var sched *checkpoint.Scheduler
	if a.cfg.Checkpoint.Schedule != "" {
		sched = checkpoint.NewScheduler(ctrl, a.cfg.Checkpoint.Timeout, a.logger.Named("scheduler"))
		if err := sched.SetSchedule(a.cfg.Checkpoint.Schedule); err != nil {
			return errors.Join(fmt.Errorf("checkpoint schedule: %w", err), a.shutdown(ctrl, srv, nil))
		}
		sched.Start()
		if next := sched.NextRunAt(); next != nil {
			a.logger.Info("checkpoint scheduler started",
				zap.String("cron", sched.CronExpr()),
				zap.Time("next_run", *next),
			)
		}
	}

	if err := ctrl.RequestStart(); err != nil {
		return errors.Join(fmt.Errorf("start crawl: %w", err), a.shutdown(ctrl, srv, sched))
	}

	select {
	case <-ctrl.Done():
		a.logger.Info("crawl finished", zap.String("exit", string(ctrl.Exit())))
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
		if err := ctrl.RequestStop(crawl.ExitAborted); err != nil && !errors.Is(err, crawl.ErrInvalidTransition) {
			a.logger.Warn("stop request failed", zap.Error(err))
		}
	}
	return a.shutdown(ctrl, srv, sched)
}

func (a *App) authKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

func (a *App) shutdown(ctrl *controller.Controller, srv *http.Server, sched *checkpoint.Scheduler) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Checkpoint.Timeout+10*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop()
	}
	var errs []error
	if err := ctrl.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close controller: %w", err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.pubsubSink != nil {
		if err := a.pubsubSink.Close(); err != nil {
			a.logger.Warn("pubsub sink close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("ledger close failed", zap.Error(err))
		}
	}
}
