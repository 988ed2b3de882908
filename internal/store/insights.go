package store

import (
	"context"
	"time"

	"github.com/sslvsup/serviceup-insights/internal/errs"
)

// InsightCacheStore maintains the derived insight rows written downstream.
type InsightCacheStore struct {
	db DB
}

func NewInsightCacheStore(db DB) *InsightCacheStore {
	return &InsightCacheStore{db: db}
}

const purgeInsightsSQL = `DELETE FROM insight_cache WHERE valid_until < $1`

// PurgeExpired deletes cached insights whose validity ended before now.
func (s *InsightCacheStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeInsightsSQL, now)
	if err != nil {
		return 0, errs.E(errs.KindStorage, "store.PurgeExpired", err)
	}
	return tag.RowsAffected(), nil
}
