// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/api"
	"github.com/JakeFAU/multisession-harvester/internal/clock/system"
	"github.com/JakeFAU/multisession-harvester/internal/config"
	"github.com/JakeFAU/multisession-harvester/internal/credentials"
	"github.com/JakeFAU/multisession-harvester/internal/dispatcher"
	"github.com/JakeFAU/multisession-harvester/internal/export"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/id/uuid"
	"github.com/JakeFAU/multisession-harvester/internal/idcache"
	"github.com/JakeFAU/multisession-harvester/internal/logging"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
	"github.com/JakeFAU/multisession-harvester/internal/orchestrator"
	"github.com/JakeFAU/multisession-harvester/internal/paginate"
	"github.com/JakeFAU/multisession-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/multisession-harvester/internal/policy/simple"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/multisession-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/multisession-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/multisession-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/multisession-harvester/internal/queue/memory"
	"github.com/JakeFAU/multisession-harvester/internal/remote"
	"github.com/JakeFAU/multisession-harvester/internal/scheduler"
	gcsstorage "github.com/JakeFAU/multisession-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/multisession-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/multisession-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/multisession-harvester/internal/storage/postgres"
	"github.com/JakeFAU/multisession-harvester/internal/telemetry"
	"github.com/JakeFAU/multisession-harvester/internal/worker"
)

const sweepInterval = time.Minute

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	clock        harvest.Clock
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	registry     *progress.Registry
	progressHub  *progress.Hub
	queue        *queueMemory.Queue
	schedule     *scheduler.Scheduler
	clientPool   *remote.Pool
	pubsubConn   *gcppublisher.Connection
	storage      *storage.Client
	exportStore  *pgstore.ExportStore

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. The logger is owned by the
// caller.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("export_backend", cfg.Export.Backend),
		zap.Int("workers", cfg.Harvest.Workers),
	)
	metrics.Init()

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName:    logging.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			ProjectID:      cfg.Telemetry.ProjectID,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
		logger.Info("tracing enabled", zap.String("project", cfg.Telemetry.ProjectID))
	}

	emitter, err := app.setupProgress()
	if err != nil {
		return nil, err
	}
	app.registry = progress.NewRegistry(time.Duration(cfg.Harvest.RetainMinutes)*time.Minute, app.clock, emitter)

	sink, err := app.setupExport(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if app.orchestrator, err = app.setupOrchestrator(sink, publisher); err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Harvest.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Harvest.Workers)
	for i := 0; i < cfg.Harvest.Workers; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.orchestrator,
			app.registry,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, workers, app.registry, uuid.New(), app.clock)

	if cfg.Schedule.Enabled {
		app.schedule, err = scheduler.New(scheduler.Config{
			Spec:       cfg.Schedule.Spec,
			Template:   cfg.ScheduledRequest(),
			RunOnStart: cfg.Schedule.RunOnStart,
		}, app.dispatch, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	creds := credentials.File{Path: cfg.Credentials.Path}
	app.apiServer = api.NewServer(
		app.dispatch,
		app.orchestrator,
		app.registry,
		app.clock,
		*cfg,
		logger,
		func(ctx context.Context) error {
			if _, err := creds.Credentials(ctx); err != nil {
				return fmt.Errorf("credentials: %w", err)
			}
			return nil
		},
	)
	ok = true
	return app, nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	sinkList := make([]progress.Sink, 0, 2)
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	hubCfg := progress.HubConfig{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   config.Millis(a.cfg.Progress.Batch.MaxWaitMs),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupExport(ctx context.Context) (harvest.ExportSink, error) {
	var blobStore export.BlobStore
	switch a.cfg.Export.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewExportStore(ctx, pgstore.ExportStoreConfig{
			DSN:      a.cfg.Export.Postgres.DSN,
			Table:    a.cfg.Export.Postgres.Table,
			MaxConns: a.cfg.Export.Postgres.MaxConns,
		}, a.clock)
		if err != nil {
			return nil, fmt.Errorf("export store init failed: %w", err)
		}
		a.exportStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("export schema init failed: %w", err)
		}
		a.logger.Info("using postgres export backend", zap.String("table", a.cfg.Export.Postgres.Table))
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Export.GCS.Bucket,
			Prefix: a.cfg.Export.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using gcs export backend", zap.String("bucket", a.cfg.Export.GCS.Bucket))
	case config.BackendLocal:
		var err error
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local export backend", zap.String("path", a.cfg.Export.Local.BaseDir))
	default:
		a.logger.Warn("using in-memory export backend, exports are lost on exit")
		blobStore = memoryStorage.NewBlobStore()
	}
	sink, err := export.NewBlobSink(blobStore, a.clock)
	if err != nil {
		return nil, fmt.Errorf("export sink init failed: %w", err)
	}
	return sink, nil
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	conn, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubConn = conn
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return conn, nil
}

func (a *App) setupOrchestrator(sink harvest.ExportSink, publisher harvest.Publisher) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	a.clientPool = remote.NewPool(remote.PoolConfig{
		Size:           cfg.ClientPoolSize(),
		AcquireTimeout: config.Seconds(cfg.Remote.AcquireTimeoutSeconds),
		RequestTimeout: config.Seconds(cfg.Remote.TimeoutSeconds),
	}, a.logger.Named("client_pool"))
	factory, err := remote.NewFactory(remote.FactoryConfig{
		BaseURL: cfg.Remote.BaseURL,
		Retry: remote.RetryConfig{
			MaxAttempts: cfg.Remote.MaxRetries,
			BaseDelay:   config.Millis(cfg.Remote.BackoffInitialMs),
			MaxDelay:    config.Millis(cfg.Remote.BackoffMaxMs),
		},
		WarmupPause: config.Millis(cfg.Remote.WarmupPauseMs),
	}, a.clientPool, a.clock, system.Sleep, a.logger.Named("remote"))
	if err != nil {
		return nil, fmt.Errorf("session factory init failed: %w", err)
	}

	var pacer paginate.Pacer
	if cfg.Harvest.PageDelayMs > 0 || cfg.Harvest.DailyQuota > 0 {
		pacer = ratelimit.New(ratelimit.Config{
			Interval:          config.Millis(cfg.Harvest.PageDelayMs),
			DefaultDailyQuota: cfg.Harvest.DailyQuota,
		}, a.clock)
		a.logger.Info("rate limiter enabled",
			zap.Int("page_delay_ms", cfg.Harvest.PageDelayMs),
			zap.Int("daily_quota", cfg.Harvest.DailyQuota),
		)
	} else {
		pacer = simple.New()
		a.logger.Info("rate limiter disabled, using simple policy")
	}
	strategy := paginate.New(paginate.Config{
		HardCap:           cfg.Harvest.HardCapPages,
		PageSizeHeuristic: cfg.Harvest.PageSizeHeuristic,
		MinPages:          cfg.Harvest.MinPages,
		PageSize:          remote.PageSize,
		FilterSettle:      config.Millis(cfg.Harvest.FilterSettleMs),
		UseLanding:        cfg.Harvest.UseLanding,
	}, pacer, a.clock, system.Sleep, a.logger.Named("paginate"))

	var cache harvest.IDCache
	if cfg.IDCache.Enabled {
		file, err := idcache.New(cfg.IDCache.Path, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("id cache init failed: %w", err)
		}
		cache = file
		a.logger.Info("id cache enabled", zap.String("path", cfg.IDCache.Path))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		AuthDelay:   config.Millis(cfg.Harvest.AuthDelayMs),
		NotifyTopic: cfg.PubSub.TopicName,
	}, orchestrator.Deps{
		Credentials: credentials.File{Path: cfg.Credentials.Path},
		Sessions:    orchestrator.RemoteSessions{Factory: factory},
		Harvester:   strategy,
		Export:      sink,
		IDCache:     cache,
		Publisher:   publisher,
		Clock:       a.clock,
		Sleep:       system.Sleep,
		Logger:      a.logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orch, nil
}

// Run starts the HTTP server, workers and scheduler, and blocks until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.logger.Info("application started")

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go a.sweep(ctx)

	if a.schedule != nil {
		if err := a.schedule.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.schedule != nil {
		a.schedule.Stop()
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// RunOnce executes a single harvest in the foreground and returns its result.
func (a *App) RunOnce(ctx context.Context, req harvest.RunRequest) (harvest.RunResult, error) {
	if req.Mode == "" {
		req.Mode = harvest.ModeBalanced
	}
	if err := req.Validate(); err != nil {
		return harvest.RunResult{}, fmt.Errorf("invalid run request: %w", err)
	}
	if req.RunID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			return harvest.RunResult{}, fmt.Errorf("generate run id: %w", err)
		}
		req.RunID = id
	}
	req.Submitted = a.clock.Now()
	tracker, err := a.registry.Create(req.RunID)
	if err != nil {
		return harvest.RunResult{}, fmt.Errorf("register run: %w", err)
	}
	result := a.orchestrator.Run(ctx, req, tracker)
	return result, nil
}

func (a *App) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.registry.Sweep(); n > 0 {
				a.logger.Debug("released finished runs", zap.Int("count", n))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubConn != nil {
		if err := a.pubsubConn.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.exportStore != nil {
		a.exportStore.Close()
	}
	if a.clientPool != nil {
		a.clientPool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
