package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/lock"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

type memCheckpoints struct {
	mu    sync.Mutex
	state map[string]models.Checkpoint
	saves []models.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{state: map[string]models.Checkpoint{}}
}

func (m *memCheckpoints) Load(_ context.Context, name string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.state[name]
	if !ok {
		return models.Checkpoint{Name: name}, nil
	}
	return cp, nil
}

// Save mirrors the stores: nil timestamps keep the stored values.
func (m *memCheckpoints) Save(_ context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state[cp.Name]
	if cp.LastRunAt == nil {
		cp.LastRunAt = prev.LastRunAt
	}
	if cp.LastSuccessAt == nil {
		cp.LastSuccessAt = prev.LastSuccessAt
	}
	m.state[cp.Name] = cp
	m.saves = append(m.saves, cp)
	return nil
}

type stubSource struct {
	since time.Time
	refs  []models.DocumentRef
	err   error
}

func (s *stubSource) NewSince(_ context.Context, since time.Time) ([]models.DocumentRef, error) {
	s.since = since
	return s.refs, s.err
}

func (s *stubSource) All(context.Context) ([]models.DocumentRef, error) {
	return s.refs, s.err
}

type stubInsights struct {
	mu      sync.Mutex
	failFor map[int64]bool
	fleets  []int64
}

func (s *stubInsights) Regenerate(_ context.Context, req models.InsightRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fleets = append(s.fleets, req.FleetID)
	if s.failFor[req.FleetID] {
		return "", errors.New("workflow rejected execution")
	}
	return "executions/1", nil
}

type stubPurger struct {
	calls int
}

func (s *stubPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	s.calls++
	return 4, nil
}

type pipelineHarness struct {
	*harness
	source      *stubSource
	checkpoints *memCheckpoints
	insights    *stubInsights
	purger      *stubPurger
	pipeline    *Pipeline
	now         time.Time
}

func newPipelineHarness(t *testing.T, refs []models.DocumentRef) *pipelineHarness {
	h := newHarness(t, okExtractor(t), OrchestratorConfig{BatchSize: 10, Concurrency: 1})
	ph := &pipelineHarness{
		harness:     h,
		source:      &stubSource{refs: refs},
		checkpoints: newMemCheckpoints(),
		insights:    &stubInsights{failFor: map[int64]bool{}},
		purger:      &stubPurger{},
		now:         time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC),
	}
	ph.pipeline = NewPipeline(PipelineDeps{
		Source:      ph.source,
		Queue:       h.invoices,
		Drainer:     h.orch,
		Checkpoints: ph.checkpoints,
		Insights:    ph.insights,
		Purger:      ph.purger,
	}, PipelineConfig{})
	ph.pipeline.now = func() time.Time { return ph.now }
	return ph
}

func fleetRefs(fleets ...int64) []models.DocumentRef {
	var refs []models.DocumentRef
	for i, f := range fleets {
		ref := testRef(i + 1)
		ref.FleetID = ptr(f)
		refs = append(refs, ref)
	}
	return refs
}

func TestRunNightlySuccessAdvancesCheckpoint(t *testing.T) {
	ph := newPipelineHarness(t, fleetRefs(1, 2, 2))

	report, err := ph.pipeline.RunNightly(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ph.now.Add(-48*time.Hour), ph.source.since, "first run looks back 48h")
	assert.Equal(t, 3, report.Drain.Processed)
	assert.ElementsMatch(t, []int64{1, 2}, ph.insights.fleets)
	assert.Equal(t, 1, ph.purger.calls)

	cp := ph.checkpoints.state[models.PipelineNightly]
	assert.Equal(t, models.RunSuccess, cp.LastStatus)
	require.NotNil(t, cp.LastSuccessAt)
	assert.Equal(t, ph.now, *cp.LastSuccessAt)
	assert.Equal(t, 3, cp.Metadata["invoices_ingested"])
	assert.Equal(t, 0, cp.Metadata["ingestion_failed"])
	assert.Equal(t, 2, cp.Metadata["insights_triggered"])
	assert.Equal(t, 2, cp.Metadata["fleets_processed"])
	assert.Equal(t, int64(4), cp.Metadata["expired_insights"])
	assert.Equal(t, models.RunRunning, ph.checkpoints.saves[0].LastStatus)
}

func TestRunNightlyUsesLastSuccess(t *testing.T) {
	ph := newPipelineHarness(t, nil)
	last := ph.now.Add(-24 * time.Hour)
	ph.checkpoints.state[models.PipelineNightly] = models.Checkpoint{Name: models.PipelineNightly, LastSuccessAt: &last}

	_, err := ph.pipeline.RunNightly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, ph.source.since)
}

func TestRunNightlyInsightFailureKeepsCheckpoint(t *testing.T) {
	ph := newPipelineHarness(t, fleetRefs(1, 2, 3, 4, 5))
	ph.insights.failFor[3] = true
	last := ph.now.Add(-24 * time.Hour)
	ph.checkpoints.state[models.PipelineNightly] = models.Checkpoint{Name: models.PipelineNightly, LastSuccessAt: &last}

	_, err := ph.pipeline.RunNightly(context.Background())
	require.Error(t, err)

	assert.Len(t, ph.insights.fleets, 5, "remaining fleets are still triggered")
	assert.Equal(t, 0, ph.purger.calls)

	cp := ph.checkpoints.state[models.PipelineNightly]
	assert.Equal(t, models.RunFailed, cp.LastStatus)
	require.NotNil(t, cp.LastSuccessAt)
	assert.Equal(t, last, *cp.LastSuccessAt)
	assert.Contains(t, cp.Metadata["error"], "fleet 3")
	assert.Equal(t, []int64{3}, cp.Metadata["insight_failed_fleets"])
}

func TestRunNightlySourceFailureMarksFailed(t *testing.T) {
	ph := newPipelineHarness(t, nil)
	ph.source.err = errors.New("metabase unreachable")

	_, err := ph.pipeline.RunNightly(context.Background())
	require.Error(t, err)
	cp := ph.checkpoints.state[models.PipelineNightly]
	assert.Equal(t, models.RunFailed, cp.LastStatus)
	assert.Nil(t, cp.LastSuccessAt)
}

func TestRunNightlyWithoutSourceStillDrains(t *testing.T) {
	ph := newPipelineHarness(t, nil)
	ph.pipeline.deps.Source = nil
	_, err := ph.invoices.Enqueue(context.Background(), fleetRefs(7), false)
	require.NoError(t, err)

	report, err := ph.pipeline.RunNightly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drain.Processed)
}

func TestRunNightlyRequeuesFailedRecords(t *testing.T) {
	refs := fleetRefs(1)
	ph := newPipelineHarness(t, refs)
	require.NoError(t, ph.invoices.MarkFailed(context.Background(), refs[0], models.ParseMeta{Error: "earlier"}))

	report, err := ph.pipeline.RunNightly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drain.Processed)
	assert.Equal(t, models.ParseStatusCompleted, ph.invoices.record(refs[0]).status)
}

func TestRunBackfillFiltersAndLimits(t *testing.T) {
	refs := fleetRefs(1, 1, 1, 1, 1)
	refs[1].PDFURL = "gs://bucket/legacy.pdf"
	ph := newPipelineHarness(t, refs)
	require.NoError(t, ph.invoices.MarkFailed(context.Background(), refs[0], models.ParseMeta{Error: "earlier"}))

	report, err := ph.pipeline.RunBackfill(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Drain.Processed)
	assert.Equal(t, 0, ph.fetcher.calls[refs[0].PDFURL], "failed records are not retried by backfill")
	assert.Equal(t, 0, ph.fetcher.calls[refs[1].PDFURL])
	assert.Equal(t, 1, ph.fetcher.calls[refs[2].PDFURL])
	assert.Equal(t, 1, ph.fetcher.calls[refs[3].PDFURL])
	assert.Nil(t, ph.invoices.record(refs[4]))

	cp := ph.checkpoints.state[models.PipelineBackfill]
	assert.Equal(t, models.RunSuccess, cp.LastStatus)
	assert.Equal(t, 2, cp.Metadata["total"])
	assert.Equal(t, 2, cp.Metadata["processed"])
	require.NotNil(t, cp.LastSuccessAt)

	var progress int
	for _, s := range ph.checkpoints.saves {
		if s.Metadata["total"] == 2 && s.LastStatus == models.RunRunning {
			progress++
		}
	}
	assert.Equal(t, 1, progress)
}

func TestRunBackfillRequiresSource(t *testing.T) {
	ph := newPipelineHarness(t, nil)
	ph.pipeline.deps.Source = nil

	_, err := ph.pipeline.RunBackfill(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errs.Fatal(err))
	assert.Equal(t, models.RunFailed, ph.checkpoints.state[models.PipelineBackfill].LastStatus)
}

func TestPipelineRunsAreSerialized(t *testing.T) {
	locker := lock.NewLocalLocker()
	ph := newPipelineHarness(t, nil)
	ph.pipeline.deps.Locker = locker

	release, err := locker.Acquire(context.Background(), "pipeline:"+models.PipelineNightly)
	require.NoError(t, err)
	defer release()

	_, err = ph.pipeline.RunNightly(context.Background())
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Empty(t, ph.checkpoints.saves)
}
