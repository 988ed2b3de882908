package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/lock"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// InvoiceRepository is the part of the invoice store the orchestrator needs.
type InvoiceRepository interface {
	FindCompleted(ctx context.Context, key models.DocumentKey) (int64, bool, error)
	MarkFailed(ctx context.Context, ref models.DocumentRef, meta models.ParseMeta) error
	ListPending(ctx context.Context, limit int) ([]models.DocumentRef, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, pdfURL string) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, pdf, exemplar []byte) (models.Extraction, error)
}

type InvoiceStorer interface {
	Store(ctx context.Context, ref models.DocumentRef, ext models.Extraction) (int64, models.NormalizedInvoice, error)
}

type InvoiceEmbedder interface {
	EmbedInvoice(ctx context.Context, invoiceID int64, fleetID, shopID *int64, rawText string, services []models.Service) (models.EmbedResult, error)
}

type OrchestratorConfig struct {
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	Pacing       time.Duration
	Concurrency  int
}

// Orchestrator runs documents through fetch, extract, store and embed.
type Orchestrator struct {
	invoices  InvoiceRepository
	fetcher   Fetcher
	extractor Extractor
	storer    InvoiceStorer
	embedder  InvoiceEmbedder
	locker    lock.Locker
	limiter   *rate.Limiter
	exemplar  []byte
	cfg       OrchestratorConfig
	metrics   *Metrics
	now       func() time.Time
}

// OrchestratorDeps bundles the collaborators of an Orchestrator. Embedder and
// Exemplar are optional; Locker defaults to an in-process lock.
type OrchestratorDeps struct {
	Invoices  InvoiceRepository
	Fetcher   Fetcher
	Extractor Extractor
	Storer    InvoiceStorer
	Embedder  InvoiceEmbedder
	Locker    lock.Locker
	Exemplar  []byte
	Metrics   *Metrics
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		invoices:  deps.Invoices,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		storer:    deps.Storer,
		embedder:  deps.Embedder,
		locker:    deps.Locker,
		limiter:   rate.NewLimiter(limit, 1),
		exemplar:  deps.Exemplar,
		cfg:       cfg,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// ProcessOne runs a single document. Per-document failures are recorded on
// the invoice record and reported in the result; the returned error is only
// set for conditions that must stop the run, such as a configuration error
// or the store being unable to record the failure.
func (o *Orchestrator) ProcessOne(ctx context.Context, ref models.DocumentRef) (models.BatchResult, error) {
	res := models.BatchResult{RequestID: ref.RequestID, PDFURL: ref.PDFURL}
	logCtx := slog.With("requestId", ref.RequestID, "pdfUrl", ref.PDFURL)

	if done, err := o.skipCompleted(ctx, ref, &res, logCtx); err != nil || done {
		return res, err
	}

	release, err := o.locker.Acquire(ctx, documentLockKey(ref.Key()))
	if errors.Is(err, lock.ErrNotAcquired) {
		logCtx.Info("Invoice is being processed by another worker, skipping.")
		res.Status = models.BatchSkipped
		o.metrics.documents.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to lock invoice: %w", err)
	}
	defer release()

	// Another worker may have finished the key between the first check and
	// the lock.
	if done, err := o.skipCompleted(ctx, ref, &res, logCtx); err != nil || done {
		return res, err
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("pacing interrupted: %w", err)
	}

	id, ext, inv, err := o.runWithRetries(ctx, ref, logCtx)
	if err != nil {
		if errs.Fatal(err) || ctx.Err() != nil {
			return res, err
		}
		logCtx.Error("Failed to process invoice.", "error", err, "kind", errs.KindOf(err))
		meta := models.ParseMeta{Error: err.Error(), ParsedAt: o.now().UTC()}
		if merr := o.invoices.MarkFailed(ctx, ref, meta); merr != nil {
			return res, fmt.Errorf("failed to record failure of request %d: %w", ref.RequestID, merr)
		}
		res.Status, res.Error = models.BatchFailed, err.Error()
		o.metrics.documents.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}
	res.InvoiceID = &id

	if inv.Status != models.ParseStatusCompleted {
		logCtx.Warn("Document is not a valid invoice, stored as failed.", "invoiceId", id)
		res.Status, res.Error = models.BatchFailed, inv.Meta.Error
		o.metrics.documents.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}

	if o.embedder != nil && ext.Result.RawText != "" {
		embedded, err := o.embedder.EmbedInvoice(ctx, id, ref.FleetID, ref.ShopID, ext.Result.RawText, ext.Result.Services)
		switch {
		case err == nil:
			logCtx.Debug("Embedding complete.", "invoiceId", id, "fullDocEmbedded", embedded.FullDocEmbedded,
				"corrections", embedded.CorrectionCount, "skipped", embedded.SkippedCount)
		case errs.Fatal(err):
			return res, err
		default:
			o.metrics.embeddingErrors.Inc()
			logCtx.Error("Embedding failed, invoice parse still succeeded.", "invoiceId", id, "error", err)
		}
	}

	res.Status = models.BatchSuccess
	o.metrics.documents.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (o *Orchestrator) skipCompleted(ctx context.Context, ref models.DocumentRef, res *models.BatchResult, logCtx *slog.Logger) (bool, error) {
	id, ok, err := o.invoices.FindCompleted(ctx, ref.Key())
	if err != nil {
		return false, fmt.Errorf("failed to check invoice state: %w", err)
	}
	if !ok {
		return false, nil
	}
	logCtx.Debug("Skipping already processed invoice.", "invoiceId", id)
	res.Status, res.InvoiceID = models.BatchSkipped, &id
	o.metrics.documents.WithLabelValues(string(res.Status)).Inc()
	return true, nil
}

// runWithRetries treats fetch, extract and store as one unit. Only rate
// limits and timeouts are retried.
func (o *Orchestrator) runWithRetries(ctx context.Context, ref models.DocumentRef, logCtx *slog.Logger) (int64, models.Extraction, models.NormalizedInvoice, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		logCtx.Info("Processing invoice.", "attempt", attempt)
		id, ext, inv, err := o.attempt(ctx, ref)
		if err == nil {
			return id, ext, inv, nil
		}
		lastErr = err

		if !errs.Retryable(err) || attempt == o.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		backoff := o.cfg.RetryBackoff * time.Duration(1<<attempt)
		o.metrics.retries.Inc()
		logCtx.Warn("Transient failure, backing off.", "attempt", attempt+1, "maxRetries", o.cfg.MaxRetries,
			"backoff", backoff, "kind", errs.KindOf(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, models.Extraction{}, models.NormalizedInvoice{}, ctx.Err()
		}
	}
	return 0, models.Extraction{}, models.NormalizedInvoice{}, lastErr
}

func (o *Orchestrator) attempt(ctx context.Context, ref models.DocumentRef) (int64, models.Extraction, models.NormalizedInvoice, error) {
	pdf, err := o.fetcher.Fetch(ctx, ref.PDFURL)
	if err != nil {
		return 0, models.Extraction{}, models.NormalizedInvoice{}, err
	}
	ext, err := o.extractor.Extract(ctx, pdf, o.exemplar)
	if err != nil {
		return 0, models.Extraction{}, models.NormalizedInvoice{}, err
	}
	id, inv, err := o.storer.Store(ctx, ref, ext)
	if err != nil {
		return 0, models.Extraction{}, models.NormalizedInvoice{}, err
	}
	return id, ext, inv, nil
}

// ProcessBatch runs refs with the configured number of workers. Duplicate
// keys are processed once; results keep the order of first appearance.
func (o *Orchestrator) ProcessBatch(ctx context.Context, refs []models.DocumentRef) ([]models.BatchResult, error) {
	seen := make(map[models.DocumentKey]struct{}, len(refs))
	unique := make([]models.DocumentRef, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.Key()]; dup {
			continue
		}
		seen[ref.Key()] = struct{}{}
		unique = append(unique, ref)
	}

	results := make([]models.BatchResult, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, ref := range unique {
		g.Go(func() error {
			res, err := o.ProcessOne(gctx, ref)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// DrainPending processes pending records until none remain. Every query
// reads the head of the pending set, since processed records leave it.
// onBatch, if set, observes the running totals after each batch.
func (o *Orchestrator) DrainPending(ctx context.Context, onBatch func(models.DrainStats)) (models.DrainStats, error) {
	var stats models.DrainStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pending, err := o.invoices.ListPending(ctx, o.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to list pending invoices: %w", err)
		}
		if len(pending) == 0 {
			return stats, nil
		}

		results, err := o.ProcessBatch(ctx, pending)
		stats.Add(results)
		if err != nil {
			return stats, err
		}
		slog.Info("Batch progress.", "batches", stats.Batches, "processed", stats.Processed,
			"failed", stats.Failed, "skipped", stats.Skipped)
		if onBatch != nil {
			onBatch(stats)
		}

		if allSkipped(results) {
			slog.Warn("Every pending invoice in the batch is locked elsewhere, stopping drain.", "batchSize", len(results))
			return stats, nil
		}
	}
}

func allSkipped(results []models.BatchResult) bool {
	for _, r := range results {
		if r.Status != models.BatchSkipped {
			return false
		}
	}
	return len(results) > 0
}

func documentLockKey(key models.DocumentKey) string {
	return fmt.Sprintf("invoice:%d:%s", key.RequestID, uuid.NewSHA1(uuid.NameSpaceURL, []byte(key.PDFURL)))
}
