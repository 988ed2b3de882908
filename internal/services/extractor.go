package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// ExtractionModel is one LLM that turns a PDF into JSON text.
type ExtractionModel interface {
	Name() string
	GenerateJSON(ctx context.Context, pdf, exemplar []byte) (string, error)
}

// ExtractorConfig holds the escalation and output limits.
type ExtractorConfig struct {
	Timeout             time.Duration
	ConfidenceThreshold float64
	RawTextCap          int
	MaxConcurrentCalls  int64
}

// StructuredExtractor runs the fast model first and escalates low-confidence
// results to the strong model.
type StructuredExtractor struct {
	fast    ExtractionModel
	strong  ExtractionModel
	cfg     ExtractorConfig
	calls   *semaphore.Weighted
	metrics *Metrics
}

func NewStructuredExtractor(fast, strong ExtractionModel, cfg ExtractorConfig, metrics *Metrics) *StructuredExtractor {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &StructuredExtractor{
		fast:    fast,
		strong:  strong,
		cfg:     cfg,
		calls:   semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		metrics: metrics,
	}
}

// Extract returns the validated extraction for pdf. When the fast model's
// confidence is below the threshold the strong model is called once and its
// result is used whatever its own confidence. A retryable failure of the
// strong model is returned; any other strong-model failure falls back to the
// fast result.
func (e *StructuredExtractor) Extract(ctx context.Context, pdf, exemplar []byte) (models.Extraction, error) {
	start := time.Now()

	first, raw, err := e.run(ctx, e.fast, pdf, exemplar)
	if err != nil {
		return models.Extraction{}, err
	}
	out := models.Extraction{Result: first, Raw: raw, Model: e.fast.Name()}

	if first.ParseConfidence < e.cfg.ConfidenceThreshold && e.strong != nil {
		logCtx := slog.With("fastModel", e.fast.Name(), "strongModel", e.strong.Name(), "confidence", first.ParseConfidence)
		logCtx.Info("Low confidence extraction, escalating to strong model.")
		e.metrics.escalations.Inc()

		second, raw2, err := e.run(ctx, e.strong, pdf, exemplar)
		switch {
		case err == nil:
			out = models.Extraction{Result: second, Raw: raw2, Model: e.strong.Name(), Escalated: true}
			if second.ParseConfidence < e.cfg.ConfidenceThreshold {
				out.NeedsReview = true
				logCtx.Warn("Strong model confidence still below threshold, invoice needs review.", "strongConfidence", second.ParseConfidence)
			}
		case errs.Retryable(err):
			return models.Extraction{}, err
		default:
			out.NeedsReview = true
			logCtx.Error("Strong model extraction failed, keeping fast model result.", "error", err, "kind", errs.KindOf(err))
		}
	}

	out.ElapsedMs = time.Since(start).Milliseconds()
	return out, nil
}

func (e *StructuredExtractor) run(ctx context.Context, model ExtractionModel, pdf, exemplar []byte) (models.ExtractionResult, []byte, error) {
	if err := e.calls.Acquire(ctx, 1); err != nil {
		return models.ExtractionResult{}, nil, fmt.Errorf("failed to acquire model slot: %w", err)
	}
	defer e.calls.Release(1)

	cctx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := model.GenerateJSON(cctx, pdf, exemplar)
	e.metrics.extractLatency.WithLabelValues(model.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return models.ExtractionResult{}, nil, errs.E(errs.KindTimeout, "extract", fmt.Errorf("%s exceeded %s: %w", model.Name(), e.cfg.Timeout, err))
		}
		return models.ExtractionResult{}, nil, errs.E(errs.Classify(err), "extract", fmt.Errorf("%s: %w", model.Name(), err))
	}

	result, raw, err := decodeExtraction(text, e.cfg.RawTextCap)
	if err != nil {
		return models.ExtractionResult{}, nil, fmt.Errorf("%s: %w", model.Name(), err)
	}
	slog.Debug("Extraction decoded.", "model", model.Name(), "confidence", result.ParseConfidence,
		"services", len(result.Services), "elapsedMs", time.Since(start).Milliseconds())
	return result, raw, nil
}
