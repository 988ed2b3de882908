package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// CheckpointStore keeps pipeline_state rows.
type CheckpointStore struct {
	db DB
}

func NewCheckpointStore(db DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

const loadCheckpointSQL = `
SELECT last_run_at, last_success_at, COALESCE(last_status, ''), metadata
FROM pipeline_state WHERE pipeline_name = $1`

// Load returns the checkpoint for name, or a zero checkpoint if none exists.
func (s *CheckpointStore) Load(ctx context.Context, name string) (models.Checkpoint, error) {
	cp := models.Checkpoint{Name: name}
	var (
		status string
		meta   []byte
	)
	err := s.db.QueryRow(ctx, loadCheckpointSQL, name).Scan(&cp.LastRunAt, &cp.LastSuccessAt, &status, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return models.Checkpoint{}, errs.E(errs.KindStorage, "store.LoadCheckpoint", err)
	}
	cp.LastStatus = models.RunStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &cp.Metadata); err != nil {
			return models.Checkpoint{}, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
		}
	}
	return cp, nil
}

const saveCheckpointSQL = `
INSERT INTO pipeline_state (pipeline_name, last_run_at, last_success_at, last_status, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (pipeline_name) DO UPDATE SET
    last_run_at = COALESCE(EXCLUDED.last_run_at, pipeline_state.last_run_at),
    last_success_at = COALESCE(EXCLUDED.last_success_at, pipeline_state.last_success_at),
    last_status = EXCLUDED.last_status,
    metadata = EXCLUDED.metadata`

// Save upserts cp. Nil timestamps keep their stored values.
func (s *CheckpointStore) Save(ctx context.Context, cp models.Checkpoint) error {
	meta, err := json.Marshal(nonNilMap(cp.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}
	if _, err := s.db.Exec(ctx, saveCheckpointSQL, cp.Name, cp.LastRunAt, cp.LastSuccessAt, string(cp.LastStatus), meta); err != nil {
		return errs.E(errs.KindStorage, "store.SaveCheckpoint", err)
	}
	return nil
}
