package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/lock"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// DocumentSource lists invoice documents from the system of record.
type DocumentSource interface {
	NewSince(ctx context.Context, since time.Time) ([]models.DocumentRef, error)
	All(ctx context.Context) ([]models.DocumentRef, error)
}

// PendingQueue is the pending side of the invoice store.
type PendingQueue interface {
	Enqueue(ctx context.Context, refs []models.DocumentRef, requeueFailed bool) (int, error)
	ExistingKeys(ctx context.Context, statuses ...models.ParseStatus) (map[models.DocumentKey]struct{}, error)
	FleetsWithCompletedInvoices(ctx context.Context) ([]int64, error)
}

type CheckpointStore interface {
	Load(ctx context.Context, name string) (models.Checkpoint, error)
	Save(ctx context.Context, cp models.Checkpoint) error
}

// InsightRegenerator starts the downstream insight rebuild for one fleet.
type InsightRegenerator interface {
	Regenerate(ctx context.Context, req models.InsightRequest) (string, error)
}

type InsightPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type PendingDrainer interface {
	DrainPending(ctx context.Context, onBatch func(models.DrainStats)) (models.DrainStats, error)
}

type PipelineConfig struct {
	Lookback      time.Duration
	InsightWindow string
}

// PipelineDeps bundles the collaborators of a Pipeline. Source and Insights
// are optional; without a source ingestion is skipped.
type PipelineDeps struct {
	Source      DocumentSource
	Queue       PendingQueue
	Drainer     PendingDrainer
	Checkpoints CheckpointStore
	Insights    InsightRegenerator
	Purger      InsightPurger
	Locker      lock.Locker
	Metrics     *Metrics
}

// Pipeline runs the nightly and backfill jobs over the pending queue and
// keeps their checkpoints.
type Pipeline struct {
	deps PipelineDeps
	cfg  PipelineConfig
	now  func() time.Time
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID    string
	Pipeline string
	Drain    models.DrainStats
	Metadata map[string]any
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 48 * time.Hour
	}
	if cfg.InsightWindow == "" {
		cfg.InsightWindow = "90d"
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Pipeline{deps: deps, cfg: cfg, now: time.Now}
}

// RunNightly ingests documents created since the last successful run,
// drains the pending queue, regenerates fleet insights and purges expired
// ones. lastSuccessAt only advances when every step succeeds.
func (p *Pipeline) RunNightly(ctx context.Context) (RunReport, error) {
	return p.run(ctx, models.PipelineNightly, func(ctx context.Context, report *RunReport, cp models.Checkpoint) error {
		logCtx := slog.With("pipeline", report.Pipeline, "runId", report.RunID)

		since := p.now().Add(-p.cfg.Lookback)
		if cp.LastSuccessAt != nil {
			since = *cp.LastSuccessAt
		}

		if p.deps.Source != nil {
			logCtx.Info("Fetching new invoices.", "since", since.UTC().Format(time.RFC3339))
			refs, err := p.deps.Source.NewSince(ctx, since)
			if err != nil {
				return fmt.Errorf("failed to list new invoices: %w", err)
			}
			queued, err := p.deps.Queue.Enqueue(ctx, refs, true)
			if err != nil {
				return fmt.Errorf("failed to enqueue new invoices: %w", err)
			}
			logCtx.Info("New invoices queued.", "found", len(refs), "queued", queued)
		} else {
			logCtx.Warn("Document source not configured, skipping new invoice ingestion.")
		}

		stats, err := p.deps.Drainer.DrainPending(ctx, nil)
		report.Drain = stats
		report.Metadata["invoices_ingested"] = stats.Processed
		report.Metadata["ingestion_failed"] = stats.Failed
		if err != nil {
			return fmt.Errorf("failed to drain pending invoices: %w", err)
		}
		logCtx.Info("Ingest complete.", "processed", stats.Processed, "failed", stats.Failed, "skipped", stats.Skipped)

		if err := p.regenerateInsights(ctx, report, logCtx); err != nil {
			return err
		}

		if p.deps.Purger != nil {
			expired, err := p.deps.Purger.PurgeExpired(ctx, p.now())
			if err != nil {
				return fmt.Errorf("failed to purge expired insights: %w", err)
			}
			report.Metadata["expired_insights"] = expired
			logCtx.Info("Expired stale insights.", "count", expired)
		}
		return nil
	})
}

// regenerateInsights triggers every fleet with completed invoices. A failing
// fleet does not stop the others but fails the step.
func (p *Pipeline) regenerateInsights(ctx context.Context, report *RunReport, logCtx *slog.Logger) error {
	fleets, err := p.deps.Queue.FleetsWithCompletedInvoices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list fleets: %w", err)
	}
	report.Metadata["fleets_processed"] = len(fleets)
	if p.deps.Insights == nil {
		logCtx.Warn("Insight regeneration not configured, skipping.", "fleets", len(fleets))
		return nil
	}

	logCtx.Info("Generating insights for fleets.", "fleets", len(fleets))
	var failed []int64
	var errList []error
	triggered := 0
	for _, fleetID := range fleets {
		execution, err := p.deps.Insights.Regenerate(ctx, models.InsightRequest{
			FleetID: fleetID,
			Window:  p.cfg.InsightWindow,
			RunID:   report.RunID,
		})
		if err != nil {
			logCtx.Error("Failed to generate insights for fleet.", "fleetId", fleetID, "error", err)
			failed = append(failed, fleetID)
			errList = append(errList, fmt.Errorf("fleet %d: %w", fleetID, err))
			continue
		}
		triggered++
		logCtx.Debug("Insight regeneration started.", "fleetId", fleetID, "execution", execution)
	}
	report.Metadata["insights_triggered"] = triggered
	if len(failed) > 0 {
		report.Metadata["insight_failed_fleets"] = failed
		return fmt.Errorf("insight regeneration failed for %d of %d fleets: %w", len(failed), len(fleets), errors.Join(errList...))
	}
	return nil
}

// RunBackfill queues every historical document that has not been completed
// or failed before, then drains the queue. A positive limit caps how many
// new documents are queued.
func (p *Pipeline) RunBackfill(ctx context.Context, limit int) (RunReport, error) {
	return p.run(ctx, models.PipelineBackfill, func(ctx context.Context, report *RunReport, _ models.Checkpoint) error {
		logCtx := slog.With("pipeline", report.Pipeline, "runId", report.RunID)
		if p.deps.Source == nil {
			return errs.Errorf(errs.KindConfiguration, "backfill", "document source not configured")
		}

		logCtx.Info("Fetching all invoices from the source system.")
		all, err := p.deps.Source.All(ctx)
		if err != nil {
			return fmt.Errorf("failed to list invoices: %w", err)
		}
		done, err := p.deps.Queue.ExistingKeys(ctx, models.ParseStatusCompleted, models.ParseStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to load processed invoices: %w", err)
		}

		remaining := make([]models.DocumentRef, 0, len(all))
		for _, ref := range all {
			if _, ok := done[ref.Key()]; ok {
				continue
			}
			if !strings.HasPrefix(ref.PDFURL, "http") {
				logCtx.Debug("Skipping invoice with non-HTTP URL.", "requestId", ref.RequestID)
				continue
			}
			remaining = append(remaining, ref)
		}
		logCtx.Info("Remaining to process.", "total", len(all), "remaining", len(remaining), "alreadyDone", len(done))
		if limit > 0 && len(remaining) > limit {
			remaining = remaining[:limit]
			logCtx.Info("Limiting run.", "limit", limit)
		}

		queued, err := p.deps.Queue.Enqueue(ctx, remaining, false)
		if err != nil {
			return fmt.Errorf("failed to insert pending records: %w", err)
		}
		total := len(remaining)
		report.Metadata["total"] = total
		logCtx.Info("Inserted pending records.", "queued", queued, "total", total)

		stats, err := p.deps.Drainer.DrainPending(ctx, func(s models.DrainStats) {
			finished := s.Processed + s.Failed
			pct := 0.0
			if total > 0 {
				pct = float64(finished) / float64(total) * 100
			}
			logCtx.Info("Backfill progress.", "done", finished, "total", total, "percent", fmt.Sprintf("%.1f", pct),
				"success", s.Processed, "failed", s.Failed)

			progress := models.Checkpoint{
				Name:       report.Pipeline,
				LastStatus: models.RunRunning,
				Metadata:   map[string]any{"run_id": report.RunID, "processed": s.Processed, "failed": s.Failed, "total": total},
			}
			if err := p.deps.Checkpoints.Save(ctx, progress); err != nil {
				logCtx.Warn("Failed to save backfill progress.", "error", err)
			}
		})
		report.Drain = stats
		report.Metadata["processed"] = stats.Processed
		report.Metadata["failed"] = stats.Failed
		if err != nil {
			return fmt.Errorf("failed to drain pending invoices: %w", err)
		}
		return nil
	})
}

// run wraps a pipeline body with the pipeline lock and checkpoint updates.
// lastSuccessAt is set to the run start so documents created during the run
// are picked up again next time.
func (p *Pipeline) run(ctx context.Context, name string, body func(context.Context, *RunReport, models.Checkpoint) error) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), Pipeline: name, Metadata: map[string]any{}}
	logCtx := slog.With("pipeline", name, "runId", report.RunID)

	release, err := p.deps.Locker.Acquire(ctx, "pipeline:"+name)
	if err != nil {
		return report, fmt.Errorf("pipeline %s is already running: %w", name, err)
	}
	defer release()

	start := p.now()
	cp, err := p.deps.Checkpoints.Load(ctx, name)
	if err != nil {
		return report, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := p.deps.Checkpoints.Save(ctx, models.Checkpoint{
		Name:       name,
		LastRunAt:  &start,
		LastStatus: models.RunRunning,
		Metadata:   map[string]any{"run_id": report.RunID},
	}); err != nil {
		return report, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	logCtx.Info("Pipeline starting.")

	report.Metadata["run_id"] = report.RunID
	if err := body(ctx, &report, cp); err != nil {
		logCtx.Error("Pipeline failed.", "error", err, "kind", errs.KindOf(err))
		p.deps.Metrics.pipelineRuns.WithLabelValues(name, string(models.RunFailed)).Inc()

		failed := models.Checkpoint{
			Name:       name,
			LastRunAt:  &start,
			LastStatus: models.RunFailed,
			Metadata:   withError(report.Metadata, err),
		}
		// Record the failure even when ctx is already cancelled.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := p.deps.Checkpoints.Save(saveCtx, failed); serr != nil {
			return report, errors.Join(err, fmt.Errorf("failed to save checkpoint: %w", serr))
		}
		return report, err
	}

	if err := p.deps.Checkpoints.Save(ctx, models.Checkpoint{
		Name:          name,
		LastRunAt:     &start,
		LastSuccessAt: &start,
		LastStatus:    models.RunSuccess,
		Metadata:      report.Metadata,
	}); err != nil {
		p.deps.Metrics.pipelineRuns.WithLabelValues(name, string(models.RunFailed)).Inc()
		return report, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	p.deps.Metrics.pipelineRuns.WithLabelValues(name, string(models.RunSuccess)).Inc()
	logCtx.Info("Pipeline complete.", "metadata", report.Metadata, "elapsed", p.now().Sub(start))
	return report, nil
}

func withError(meta map[string]any, err error) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
