package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// TextEmbedder turns text into a vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore persists embedding chunks.
type ChunkStore interface {
	HasChunk(ctx context.Context, invoiceID int64, chunk models.ChunkType) (bool, error)
	DeleteChunks(ctx context.Context, invoiceID int64, chunk models.ChunkType) error
	InsertChunk(ctx context.Context, c models.EmbeddingChunk) error
}

type EmbedderConfig struct {
	Dimensions    int
	MinTextLength int
	FullDocCap    int
	CorrectionCap int
}

// Embedder writes the full-document and per-service correction chunks of an invoice.
type Embedder struct {
	client  TextEmbedder
	chunks  ChunkStore
	cfg     EmbedderConfig
	metrics *Metrics
}

func NewEmbedder(client TextEmbedder, chunks ChunkStore, cfg EmbedderConfig, metrics *Metrics) *Embedder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Embedder{client: client, chunks: chunks, cfg: cfg, metrics: metrics}
}

// EmbedInvoice embeds the invoice text and each service narrative. The full
// document chunk is written at most once per invoice; correction chunks are
// replaced on every call. A vector of the wrong size is a configuration
// error and stops further work.
func (e *Embedder) EmbedInvoice(ctx context.Context, invoiceID int64, fleetID, shopID *int64, rawText string, services []models.Service) (models.EmbedResult, error) {
	var res models.EmbedResult
	logCtx := slog.With("invoiceId", invoiceID)

	base := map[string]any{
		"fleet_id":   fleetID,
		"shop_id":    shopID,
		"invoice_id": invoiceID,
	}

	if len(strings.TrimSpace(rawText)) > e.cfg.MinTextLength {
		exists, err := e.chunks.HasChunk(ctx, invoiceID, models.ChunkFullDocument)
		if err != nil {
			return res, err
		}
		if !exists {
			text := truncateRunes(rawText, e.cfg.FullDocCap)
			if err := e.write(ctx, invoiceID, models.ChunkFullDocument, text, base); err != nil {
				return res, err
			}
			res.FullDocEmbedded = true
		}
	}

	if err := e.chunks.DeleteChunks(ctx, invoiceID, models.ChunkServiceCorrection); err != nil {
		return res, err
	}
	for _, svc := range services {
		text := correctionText(svc)
		if text == "" {
			res.SkippedCount++
			continue
		}
		meta := map[string]any{
			"fleet_id":     fleetID,
			"shop_id":      shopID,
			"invoice_id":   invoiceID,
			"service_name": serviceName(svc),
		}
		if err := e.write(ctx, invoiceID, models.ChunkServiceCorrection, truncateRunes(text, e.cfg.CorrectionCap), meta); err != nil {
			return res, err
		}
		res.CorrectionCount++
	}

	logCtx.Debug("Invoice embedded.", "fullDocument", res.FullDocEmbedded, "corrections", res.CorrectionCount, "skipped", res.SkippedCount)
	return res, nil
}

func (e *Embedder) write(ctx context.Context, invoiceID int64, chunk models.ChunkType, text string, meta map[string]any) error {
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return errs.E(errs.Classify(err), "embed", fmt.Errorf("failed to embed %s chunk: %w", chunk, err))
	}
	if len(vec) != e.cfg.Dimensions {
		return errs.Errorf(errs.KindConfiguration, "embed", "embedding has %d dimensions, expected %d", len(vec), e.cfg.Dimensions)
	}
	if err := e.chunks.InsertChunk(ctx, models.EmbeddingChunk{
		InvoiceID: invoiceID,
		Type:      chunk,
		Text:      text,
		Vector:    vec,
		Metadata:  meta,
	}); err != nil {
		return err
	}
	e.metrics.embeddings.WithLabelValues(string(chunk)).Inc()
	return nil
}

func correctionText(svc models.Service) string {
	var parts []string
	for _, p := range []*string{svc.Complaint, svc.Cause, svc.Correction} {
		if p != nil && strings.TrimSpace(*p) != "" {
			parts = append(parts, *p)
		}
	}
	return strings.Join(parts, "\n")
}

func serviceName(svc models.Service) string {
	if svc.ServiceName == nil || *svc.ServiceName == "" {
		return "Unknown Service"
	}
	return *svc.ServiceName
}
