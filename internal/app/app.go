// Package app builds the pipeline's dependency graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/sslvsup/serviceup-insights/internal/config"
	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/gcp"
	"github.com/sslvsup/serviceup-insights/internal/lock"
	"github.com/sslvsup/serviceup-insights/internal/services"
	"github.com/sslvsup/serviceup-insights/internal/source"
	"github.com/sslvsup/serviceup-insights/internal/store"
)

// App holds every long-lived client. It is built once per process and
// closed on shutdown.
type App struct {
	Config       *config.Config
	Pool         *pgxpool.Pool
	Invoices     *store.InvoiceStore
	Embeddings   *store.EmbeddingStore
	Embedder     *gcp.EmbeddingClient
	Registry     *prometheus.Registry
	Metrics      *services.Metrics
	Orchestrator *services.Orchestrator
	Pipeline     *services.Pipeline

	closers []func() error
}

// New connects to Postgres and the GCP services and wires the orchestrator
// and pipelines. Optional collaborators (Redis, the source system, the
// insight workflow) are left out when unconfigured.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	const op = "app.New"
	if cfg.GCP.ProjectID == "" {
		return nil, errs.Errorf(errs.KindConfiguration, op, "gcp.project_id is required")
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				slog.Warn("Failed to release clients after init error.", "error", cerr)
			}
		}
	}()

	opts, err := gcp.Credentials{
		JSON:     cfg.GCP.CredentialsJSON,
		Base64:   cfg.GCP.CredentialsBase64,
		File:     cfg.GCP.CredentialsFile,
		Required: cfg.GCP.RequireCredentials,
	}.ClientOptions()
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return nil, err
		}
	}
	a.Pool, err = store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MaxConnLifetime)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Pool.Close(); return nil })
	a.Invoices = store.NewInvoiceStore(a.Pool)
	a.Embeddings = store.NewEmbeddingStore(a.Pool)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = services.NewMetrics(a.Registry)

	objects, err := gcp.NewObjectStore(ctx, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, objects.Close)

	fetcher := services.NewDocumentFetcher(objects, &http.Client{}, services.FetcherConfig{
		Bucket:         cfg.GCP.StorageBucket,
		StorageRetries: cfg.Processing.StorageFetchRetries,
		HTTPRetries:    cfg.Processing.HTTPFetchRetries,
		Backoff:        cfg.Processing.FetchBackoff,
		Timeout:        cfg.Processing.FetchTimeout,
		ValidatePDF:    cfg.Processing.ValidatePDF,
	}, a.Metrics)

	vertex, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, cfg.Extraction.FastModel, cfg.Extraction.StrongModel, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, vertex.Close)
	extractor := services.NewStructuredExtractor(vertex.FastModel, vertex.StrongModel, services.ExtractorConfig{
		Timeout:             cfg.Extraction.Timeout,
		ConfidenceThreshold: cfg.Extraction.ConfidenceThreshold,
		RawTextCap:          cfg.Extraction.RawTextCap,
		MaxConcurrentCalls:  cfg.Extraction.MaxConcurrentCalls,
	}, a.Metrics)

	a.Embedder, err = gcp.NewEmbeddingClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, cfg.Embedding.Model, cfg.Embedding.Dimensions, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Embedder.Close)
	embedder := services.NewEmbedder(a.Embedder, a.Embeddings, services.EmbedderConfig{
		Dimensions:    cfg.Embedding.Dimensions,
		MinTextLength: cfg.Embedding.MinTextLength,
		FullDocCap:    cfg.Embedding.FullDocCap,
		CorrectionCap: cfg.Embedding.CorrectionCap,
	}, a.Metrics)

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	a.Orchestrator = services.NewOrchestrator(services.OrchestratorDeps{
		Invoices:  a.Invoices,
		Fetcher:   fetcher,
		Extractor: extractor,
		Storer:    services.NewPersister(a.Invoices),
		Embedder:  embedder,
		Locker:    locker,
		Exemplar:  loadExemplar(ctx, fetcher, cfg.Extraction.ExemplarURL),
		Metrics:   a.Metrics,
	}, services.OrchestratorConfig{
		BatchSize:    cfg.Processing.BatchSize,
		MaxRetries:   cfg.Processing.MaxRetries,
		RetryBackoff: cfg.Processing.RetryBackoff,
		Pacing:       cfg.Processing.Pacing,
		Concurrency:  cfg.Processing.Concurrency,
	})

	checkpoints, err := a.newCheckpointStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	deps := services.PipelineDeps{
		Queue:       a.Invoices,
		Drainer:     a.Orchestrator,
		Checkpoints: checkpoints,
		Purger:      store.NewInsightCacheStore(a.Pool),
		Locker:      locker,
		Metrics:     a.Metrics,
	}
	if cfg.Source.Enabled() {
		deps.Source = source.NewMetabaseSource(source.MetabaseConfig{
			URL:        cfg.Source.URL,
			APIKey:     cfg.Source.APIKey,
			DatabaseID: cfg.Source.DatabaseID,
			Dataset:    cfg.Source.Dataset,
			Timeout:    cfg.Source.Timeout,
		}, nil)
	}
	if cfg.Insights.WorkflowID != "" {
		trigger, err := gcp.NewWorkflowInsightTrigger(ctx, cfg.GCP.ProjectID, cfg.Insights.WorkflowLocation, cfg.Insights.WorkflowID, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, trigger.Close)
		deps.Insights = trigger
	}
	a.Pipeline = services.NewPipeline(deps, services.PipelineConfig{
		Lookback:      cfg.Processing.Lookback,
		InsightWindow: cfg.Insights.Window,
	})

	slog.Info("Pipeline dependencies initialized.",
		"fastModel", cfg.Extraction.FastModel,
		"strongModel", cfg.Extraction.StrongModel,
		"checkpointBackend", cfg.Checkpoint.Backend,
		"sourceEnabled", deps.Source != nil,
		"insightsEnabled", deps.Insights != nil)
	return a, nil
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	rc := a.Config.Redis
	if rc.Address == "" {
		slog.Warn("Redis not configured, document locks are process-local.")
		return lock.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Address, err)
	}
	return lock.NewRedisLocker(client, "insights:lock:", rc.LockTTL), nil
}

func (a *App) newCheckpointStore(ctx context.Context, opts []option.ClientOption) (services.CheckpointStore, error) {
	if a.Config.Checkpoint.Backend != "firestore" {
		return store.NewCheckpointStore(a.Pool), nil
	}
	client, err := gcp.NewFirestoreClient(ctx, a.Config.GCP.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return gcp.NewFirestoreCheckpointStore(client, a.Config.Checkpoint.Collection), nil
}

// loadExemplar downloads the sample invoice once. Extraction runs without
// it when the URL is unset or the download fails.
func loadExemplar(ctx context.Context, fetcher services.Fetcher, url string) []byte {
	if url == "" {
		return nil
	}
	data, err := fetcher.Fetch(ctx, url)
	if err != nil {
		slog.Warn("Failed to load exemplar invoice, extracting without it.", "url", url, "error", err)
		return nil
	}
	slog.Info("Exemplar invoice loaded.", "bytes", len(data))
	return data
}

// Close releases every client in reverse order of creation.
func (a *App) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
