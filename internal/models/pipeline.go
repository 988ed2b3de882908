package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BatchStatus is the outcome of processing one document.
type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchFailed  BatchStatus = "failed"
	BatchSkipped BatchStatus = "skipped"
)

// BatchResult reports what happened to one document reference.
type BatchResult struct {
	RequestID int64       `json:"requestId"`
	PDFURL    string      `json:"pdfUrl"`
	Status    BatchStatus `json:"status"`
	InvoiceID *int64      `json:"invoiceId,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// DrainStats accumulates results across drained batches.
type DrainStats struct {
	Batches   int `json:"batches"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add folds a batch of results into the totals.
func (s *DrainStats) Add(results []BatchResult) {
	s.Batches++
	for _, r := range results {
		switch r.Status {
		case BatchSuccess:
			s.Processed++
		case BatchFailed:
			s.Failed++
		case BatchSkipped:
			s.Skipped++
		}
	}
}

// ChunkType distinguishes embedding rows of one invoice.
type ChunkType string

const (
	ChunkFullDocument      ChunkType = "full_document"
	ChunkServiceCorrection ChunkType = "service_correction"
)

// EmbeddingChunk is one vector row tied to an invoice.
type EmbeddingChunk struct {
	InvoiceID int64
	Type      ChunkType
	Text      string
	Vector    []float32
	Metadata  map[string]any
}

// EmbedResult summarizes the embedding work done for one invoice.
type EmbedResult struct {
	FullDocEmbedded bool `json:"fullDocEmbedded"`
	CorrectionCount int  `json:"correctionCount"`
	SkippedCount    int  `json:"skippedCount"`
}

// RunStatus is the last known state of a pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Pipeline names used as checkpoint keys.
const (
	PipelineNightly  = "nightly_ingest"
	PipelineBackfill = "backfill"
)

// Checkpoint is the persisted state of one named pipeline.
// LastSuccessAt only moves when a run completes every step.
type Checkpoint struct {
	Name          string         `firestore:"pipelineName" json:"pipelineName"`
	LastRunAt     *time.Time     `firestore:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
	LastSuccessAt *time.Time     `firestore:"lastSuccessAt,omitempty" json:"lastSuccessAt,omitempty"`
	LastStatus    RunStatus      `firestore:"lastStatus,omitempty" json:"lastStatus,omitempty"`
	Metadata      map[string]any `firestore:"metadata,omitempty" json:"metadata,omitempty"`
}

// TriggerRequest is the payload of the scheduled CloudEvent.
type TriggerRequest struct {
	Pipeline string `json:"pipeline"`
	Limit    int    `json:"limit,omitempty"`
}

// MessagePublishedData is the body of a Pub/Sub CloudEvent. The message
// data arrives base64 encoded.
type MessagePublishedData struct {
	Message *struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes,omitempty"`
		MessageID  string            `json:"messageId,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription,omitempty"`
}

// DecodeTriggerRequest reads a trigger from CloudEvent data, unwrapping a
// Pub/Sub envelope when present. Empty data selects the nightly pipeline.
func DecodeTriggerRequest(data []byte) (TriggerRequest, error) {
	req := TriggerRequest{Pipeline: PipelineNightly}
	if len(data) == 0 {
		return req, nil
	}

	var env MessagePublishedData
	if err := json.Unmarshal(data, &env); err != nil {
		return req, fmt.Errorf("failed to decode event data: %w", err)
	}
	if env.Message != nil {
		data = env.Message.Data
		if len(data) == 0 {
			return req, nil
		}
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode trigger request: %w", err)
	}
	if req.Pipeline == "" {
		req.Pipeline = PipelineNightly
	}
	return req, nil
}

// InsightRequest is the argument of one insight regeneration execution.
type InsightRequest struct {
	FleetID int64  `json:"fleetId"`
	Window  string `json:"window"`
	RunID   string `json:"runId"`
}
