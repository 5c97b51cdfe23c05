// Package server assembles the application from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/spider-pipeline/internal/api"
	"github.com/JakeFAU/spider-pipeline/internal/clock/system"
	"github.com/JakeFAU/spider-pipeline/internal/config"
	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/dispatcher"
	"github.com/JakeFAU/spider-pipeline/internal/engine"
	collyfetcher "github.com/JakeFAU/spider-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/spider-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/spider-pipeline/internal/id/uuid"
	"github.com/JakeFAU/spider-pipeline/internal/logging"
	"github.com/JakeFAU/spider-pipeline/internal/pipeline"
	"github.com/JakeFAU/spider-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/spider-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/spider-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/spider-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/spider-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw/builtins"
	"github.com/JakeFAU/spider-pipeline/internal/spiders/links"
	gcsstorage "github.com/JakeFAU/spider-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/spider-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/spider-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/spider-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/spider-pipeline/internal/store"
	"github.com/JakeFAU/spider-pipeline/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	api      *api.Server
	dispatch *dispatcher.Dispatcher
	runs     *memorystorage.RunStore

	progressHub    *progress.Hub
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	pool           *pgxpool.Pool
	stats          store.StatsRepository
	tracerProvider *sdktrace.TracerProvider
}

// Options adjust Build for embedding and tests.
type Options struct {
	Version string
	// Logger replaces the logger built from configuration.
	Logger *zap.Logger
	// Registerer receives progress collectors; nil means the default registry.
	Registerer prometheus.Registerer
}

// Build creates the application's dependencies. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
	)

	if cfg.Telemetry.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     opts.Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	itemRecorder, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	events, err := app.setupProgress(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	hasher := sha256.New()
	ids := uuid.New()
	items, err := pipeline.New(pipeline.Deps{
		Blobs:     blobs,
		Publisher: publisher,
		Recorder:  itemRecorder,
		Hasher:    hasher,
		IDs:       ids,
		Clock:     clock,
	}, pipeline.Config{
		Prefix: cfg.Storage.Prefix,
		Topic:  cfg.PubSub.TopicName,
	}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	chain, err := builtins.BuildChain(cfg.MiddlewarePriorities(), cfg.Builtins(), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("spider middleware chain", zap.Strings("order", chain.Names()))

	spider := links.New(links.Config{
		Follow:          cfg.Spider.FollowLinks,
		MaxLinksPerPage: cfg.Spider.MaxLinksPerPage,
	}, logger.Named("spider"))

	eng, err := engine.New(engine.Deps{
		Chain: chain,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.RequestTimeout,
		}, logger.Named("fetcher")),
		Items:  items,
		Hasher: hasher,
		Clock:  clock,
		Events: events,
		Limiter: ratelimit.New(ratelimit.Config{
			PerSiteRPS: cfg.Crawler.PerSiteRPS,
			Burst:      cfg.Crawler.PerSiteBurst,
		}),
	}, engine.Config{
		Concurrency:   cfg.Crawler.Concurrency,
		MaxRequests:   cfg.Crawler.MaxRequests,
		QueueCapacity: cfg.Crawler.QueueCapacity,
		Executor:      spidermw.Config{DefaultCallback: spider.Parse},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	app.runs = memorystorage.NewRunStore()
	app.dispatch, err = dispatcher.New(eng, spider, app.runs, ids, clock, logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	app.api = api.NewServer(app.dispatch, app.runs, app.stats, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Crawl runs one crawl synchronously and returns its final record.
func (a *App) Crawl(ctx context.Context, rawURLs []string) (crawler.Run, error) {
	run, err := a.dispatch.Execute(ctx, rawURLs)
	if err != nil {
		return run, fmt.Errorf("crawl: %w", err)
	}
	return run, nil
}

// Serve starts the HTTP server and blocks until ctx is canceled or a signal
// arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops active runs and releases every client.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatch != nil {
		if shutdownErr := a.dispatch.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("dispatcher shutdown incomplete", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func (a *App) clientOptions() []option.ClientOption {
	if a.cfg.GCP.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(a.cfg.GCP.CredentialsFile)}
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx, a.clientOptions()...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (crawler.ItemRecorder, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping stats store and item index")
		return nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool

	stats, err := pgstore.NewStatsStore(pool)
	if err != nil {
		return nil, fmt.Errorf("stats store init failed: %w", err)
	}
	items, err := pgstore.NewItemStore(pool, a.cfg.Database.ItemTable)
	if err != nil {
		return nil, fmt.Errorf("item store init failed: %w", err)
	}
	if a.cfg.Database.EnsureSchema {
		if err := stats.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("stats schema: %w", err)
		}
		if err := items.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("item schema: %w", err)
		}
	}
	a.stats = stats
	a.logger.Info("postgres stores initialized", zap.String("item_table", a.cfg.Database.ItemTable))
	return items, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	opts := a.clientOptions()
	if host := a.cfg.PubSub.EmulatorHost; host != "" {
		opts = []option.ClientOption{
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		}
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher, err = gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinks []progress.Sink
	if a.stats != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.stats, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if len(sinks) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchMaxEvents,
		MaxBatchWait:   a.cfg.Progress.BatchMaxWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}
