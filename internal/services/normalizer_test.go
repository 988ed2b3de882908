package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslvsup/serviceup-insights/internal/models"
)

func ptr[T any](v T) *T { return &v }

func mustDecode(t *testing.T, raw string) models.Extraction {
	t.Helper()
	res, normalized, err := decodeExtraction(raw, 8000)
	require.NoError(t, err)
	return models.Extraction{Result: res, Raw: normalized, Model: "flash", ElapsedMs: 1200}
}

func TestToCentsRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{123.45, 12345},
		{0.015, 2},
		{19.999, 2000},
		{0.1 + 0.2, 30},
		{-4.005, -401},
		{1234567.89, 123456789},
	}
	for _, c := range cases {
		got := toCents(&c.in)
		require.NotNil(t, got)
		assert.Equal(t, c.want, *got, "toCents(%v)", c.in)
	}
	assert.Nil(t, toCents(nil))
}

func TestNormalizeInvoiceFields(t *testing.T) {
	ref := models.DocumentRef{RequestID: 7, PDFURL: "https://x/7.pdf", ShopName: ptr("Ref Shop"), VehicleVIN: ptr("1FTFW1E50NFA00001")}
	ext := mustDecode(t, `{
		"parse_confidence": 0.88,
		"estimate_date": "03/14/2024",
		"grand_total": 512.349,
		"labor_total": 200,
		"parts_total": 280.1,
		"tax_amount": 32.25,
		"payment_terms": "Net 30",
		"services": [{"service_name": "Brakes", "complaint": "Squeal", "cause": "Worn pads", "correction": "Replaced pads", "is_approved": true, "service_subtotal": 480.1,
			"line_items": [
				{"item_type": "part", "name": "Pads", "part_number": "BP-1", "is_oem": false, "unit_price": 90.05, "total_price": 180.1, "quantity": 2},
				{"item_type": "labor", "name": "Labor", "hours": 2, "rate_per_hour": 100, "total_price": 200, "is_sublet": true}
			]}],
		"extras": [{"field_name": "loaner", "field_value": "yes"}],
		"raw_text": "BRAKE JOB"
	}`)
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	inv := Normalize(ref, ext, now)

	assert.Equal(t, models.ParseStatusCompleted, inv.Status)
	require.NotNil(t, inv.InvoiceDate)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), *inv.InvoiceDate)
	assert.Equal(t, int64(51235), *inv.GrandTotalCents)
	assert.Equal(t, int64(20000), *inv.LaborTotalCents)
	assert.Equal(t, int64(28010), *inv.PartsTotalCents)
	assert.Equal(t, int64(3225), *inv.TaxAmountCents)
	assert.Equal(t, "Ref Shop", *inv.ShopName)
	assert.Equal(t, "1FTFW1E50NFA00001", *inv.VIN)
	assert.Equal(t, "Net 30", *inv.PaymentTerms)
	assert.Equal(t, "BRAKE JOB", inv.RawText)
	assert.Equal(t, "flash", inv.Meta.Model)
	assert.Equal(t, int64(1200), inv.Meta.ElapsedMs)
	assert.InDelta(t, 0.88, *inv.Meta.Confidence, 1e-9)
	assert.Equal(t, now, inv.Meta.ParsedAt)

	var extracted map[string]any
	require.NoError(t, json.Unmarshal(inv.ExtractedData, &extracted))
	assert.NotContains(t, extracted, "services")
	assert.NotContains(t, extracted, "raw_text")
	assert.Contains(t, extracted, "extras")

	require.Len(t, inv.Services, 1)
	svc := inv.Services[0]
	assert.Equal(t, "Brakes", svc.Name)
	assert.Equal(t, map[string]any{
		"complaint": "Squeal", "cause": "Worn pads", "correction": "Replaced pads",
		"is_approved": true, "subtotal": 480.1,
	}, svc.Data)

	require.Len(t, svc.LineItems, 2)
	pads, labor := svc.LineItems[0], svc.LineItems[1]
	assert.Equal(t, models.ItemPart, pads.Type)
	assert.Equal(t, 2.0, pads.Quantity)
	assert.Equal(t, int64(9005), *pads.UnitPriceCents)
	assert.Equal(t, int64(18010), *pads.TotalPriceCents)
	assert.Equal(t, map[string]any{"part_number": "BP-1", "is_oem": false}, pads.Data)
	assert.Equal(t, 0, pads.SortOrder)
	assert.Nil(t, labor.UnitPriceCents)
	assert.Equal(t, map[string]any{"hours": 2.0, "rate_per_hour": 100.0, "is_sublet": true}, labor.Data)
	assert.Equal(t, 1, labor.SortOrder)
}

func TestNormalizePrefersExtractedShopAndInvoiceDate(t *testing.T) {
	ref := models.DocumentRef{RequestID: 1, PDFURL: "u", ShopName: ptr("Ref Shop")}
	ext := mustDecode(t, `{"shop_name": "PDF Shop", "invoice_date": "2024-02-01", "estimate_date": "2024-01-01"}`)

	inv := Normalize(ref, ext, time.Now())
	assert.Equal(t, "PDF Shop", *inv.ShopName)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *inv.InvoiceDate)
}

func TestNormalizeUnparseableDateIsAbsent(t *testing.T) {
	ext := mustDecode(t, `{"invoice_date": "sometime last spring"}`)
	inv := Normalize(models.DocumentRef{RequestID: 1, PDFURL: "u"}, ext, time.Now())
	assert.Nil(t, inv.InvoiceDate)
}

func TestNormalizeRoundsFractionalSortOrder(t *testing.T) {
	ext := mustDecode(t, `{"services": [
		{"service_name": "Brakes", "sort_order": 1.5, "line_items": [{"item_type": "part", "name": "Rotor", "sort_order": 0.4}]}
	]}`)
	inv := Normalize(models.DocumentRef{RequestID: 1, PDFURL: "u"}, ext, time.Now())

	require.Len(t, inv.Services, 1)
	assert.Equal(t, 2, inv.Services[0].SortOrder)
	require.Len(t, inv.Services[0].LineItems, 1)
	assert.Equal(t, 0, inv.Services[0].LineItems[0].SortOrder)
}

func TestNormalizeAddsPlaceholderService(t *testing.T) {
	ext := mustDecode(t, `{"services": []}`)
	inv := Normalize(models.DocumentRef{RequestID: 1, PDFURL: "u"}, ext, time.Now())

	require.Len(t, inv.Services, 1)
	assert.Equal(t, "General Service", inv.Services[0].Name)
	assert.Empty(t, inv.Services[0].LineItems)
	assert.Equal(t, 0, inv.Services[0].SortOrder)
}

func TestNormalizeInvalidInvoiceIsFailed(t *testing.T) {
	ext := mustDecode(t, `{"is_valid_invoice": false, "parse_confidence": 0.9}`)
	inv := Normalize(models.DocumentRef{RequestID: 1, PDFURL: "u"}, ext, time.Now())
	assert.Equal(t, models.ParseStatusFailed, inv.Status)
	assert.NotEmpty(t, inv.Meta.Error)
}

type recordingWriter struct {
	saved []models.NormalizedInvoice
	err   error
}

func (w *recordingWriter) SaveInvoice(_ context.Context, inv models.NormalizedInvoice) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.saved = append(w.saved, inv)
	return int64(len(w.saved)), nil
}

func TestPersisterStore(t *testing.T) {
	w := &recordingWriter{}
	p := NewPersister(w)

	id, inv, err := p.Store(context.Background(), models.DocumentRef{RequestID: 3, PDFURL: "u"}, mustDecode(t, invoiceJSON(0.9, "Shop")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Shop", *inv.ShopName)
	require.Len(t, w.saved, 1)
}

func TestPersisterPropagatesStorageErrors(t *testing.T) {
	boom := errors.New("connection refused")
	p := NewPersister(&recordingWriter{err: boom})

	_, _, err := p.Store(context.Background(), models.DocumentRef{RequestID: 3, PDFURL: "u"}, mustDecode(t, invoiceJSON(0.9, "Shop")))
	assert.ErrorIs(t, err, boom)
}
