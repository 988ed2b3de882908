package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sslvsup/serviceup-insights/internal/errs"
)

type scriptedModel struct {
	name string

	mu        sync.Mutex
	calls     int
	responses []string
	errs      []error
	block     bool
	exemplars [][]byte
}

func (m *scriptedModel) Name() string { return m.name }

func (m *scriptedModel) GenerateJSON(ctx context.Context, pdf, exemplar []byte) (string, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.exemplars = append(m.exemplars, exemplar)
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n < len(m.errs) && m.errs[n] != nil {
		return "", m.errs[n]
	}
	if n < len(m.responses) {
		return m.responses[n], nil
	}
	return m.responses[len(m.responses)-1], nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func invoiceJSON(confidence float64, shop string) string {
	return fmt.Sprintf(`{
		"is_valid_invoice": true,
		"parse_confidence": %g,
		"shop_name": %q,
		"grand_total": 123.45,
		"services": [{"service_name": "Oil change", "complaint": "Due for service", "line_items": [{"item_type": "fluid", "name": "5W-30", "quantity": 5, "unit_price": 8.5}]}],
		"raw_text": "INVOICE 1001 Main St Auto oil change 5 qt 5W-30"
	}`, confidence, shop)
}

func testExtractorConfig() ExtractorConfig {
	return ExtractorConfig{Timeout: time.Second, ConfidenceThreshold: 0.6, RawTextCap: 8000, MaxConcurrentCalls: 2}
}

func TestExtractHighConfidenceUsesFastModel(t *testing.T) {
	fast := &scriptedModel{name: "flash", responses: []string{invoiceJSON(0.92, "Fast Shop")}}
	strong := &scriptedModel{name: "pro", responses: []string{invoiceJSON(0.99, "Strong Shop")}}
	x := NewStructuredExtractor(fast, strong, testExtractorConfig(), nil)

	out, err := x.Extract(context.Background(), []byte("%PDF"), []byte("exemplar"))
	require.NoError(t, err)
	assert.Equal(t, "flash", out.Model)
	assert.False(t, out.Escalated)
	assert.False(t, out.NeedsReview)
	assert.Equal(t, "Fast Shop", *out.Result.ShopName)
	assert.Equal(t, 0, strong.callCount())
	assert.Equal(t, [][]byte{[]byte("exemplar")}, fast.exemplars)
}

func TestExtractLowConfidenceEscalatesOnce(t *testing.T) {
	fast := &scriptedModel{name: "flash", responses: []string{invoiceJSON(0.3, "Fast Shop")}}
	strong := &scriptedModel{name: "pro", responses: []string{invoiceJSON(0.4, "Strong Shop")}}
	x := NewStructuredExtractor(fast, strong, testExtractorConfig(), nil)

	out, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fast.callCount())
	assert.Equal(t, 1, strong.callCount())
	assert.Equal(t, "pro", out.Model)
	assert.True(t, out.Escalated)
	assert.True(t, out.NeedsReview, "strong result below threshold is kept but flagged")
	assert.Equal(t, "Strong Shop", *out.Result.ShopName)
	assert.InDelta(t, 0.4, out.Result.ParseConfidence, 1e-9)
}

func TestExtractStrongRateLimitPropagates(t *testing.T) {
	fast := &scriptedModel{name: "flash", responses: []string{invoiceJSON(0.2, "Fast Shop")}}
	strong := &scriptedModel{name: "pro", errs: []error{status.Error(codes.ResourceExhausted, "quota")}, responses: []string{""}}
	x := NewStructuredExtractor(fast, strong, testExtractorConfig(), nil)

	_, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateLimited))
}

func TestExtractStrongGarbageKeepsFastResult(t *testing.T) {
	fast := &scriptedModel{name: "flash", responses: []string{invoiceJSON(0.2, "Fast Shop")}}
	strong := &scriptedModel{name: "pro", responses: []string{"I cannot read this document"}}
	x := NewStructuredExtractor(fast, strong, testExtractorConfig(), nil)

	out, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	require.NoError(t, err)
	assert.Equal(t, "flash", out.Model)
	assert.True(t, out.NeedsReview)
	assert.Equal(t, "Fast Shop", *out.Result.ShopName)
}

func TestExtractTimeoutIsClassified(t *testing.T) {
	fast := &scriptedModel{name: "flash", block: true}
	cfg := testExtractorConfig()
	cfg.Timeout = 20 * time.Millisecond
	x := NewStructuredExtractor(fast, nil, cfg, nil)

	_, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimeout))
	assert.True(t, errs.Retryable(err))
}

func TestExtractRateLimitMessageIsClassified(t *testing.T) {
	fast := &scriptedModel{name: "flash", errs: []error{errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED")}, responses: []string{""}}
	x := NewStructuredExtractor(fast, nil, testExtractorConfig(), nil)

	_, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	assert.True(t, errs.Is(err, errs.KindRateLimited))
}

func TestExtractInvalidJSONIsNotRetryable(t *testing.T) {
	fast := &scriptedModel{name: "flash", responses: []string{"{not json"}}
	x := NewStructuredExtractor(fast, nil, testExtractorConfig(), nil)

	_, err := x.Extract(context.Background(), []byte("%PDF"), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidJSON))
	assert.False(t, errs.Retryable(err))
}
