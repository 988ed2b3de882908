package store

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func ptr[T any](v T) *T { return &v }

func sampleInvoice() models.NormalizedInvoice {
	return models.NormalizedInvoice{
		Ref:             models.DocumentRef{RequestID: 7, PDFURL: "https://files.example.com/7.pdf", FleetID: ptr[int64](3)},
		Status:          models.ParseStatusCompleted,
		GrandTotalCents: ptr[int64](15500),
		RawText:         "INVOICE 7",
		Meta:            models.ParseMeta{Model: "gemini-2.5-flash"},
		Services: []models.NormalizedService{
			{
				Name:      "Brakes",
				Data:      map[string]any{"complaint": "squeal"},
				SortOrder: 0,
				LineItems: []models.NormalizedLineItem{
					{Type: models.ItemPart, Name: "Brake pad", Quantity: 2, UnitPriceCents: ptr[int64](4000), TotalPriceCents: ptr[int64](8000), SortOrder: 0},
					{Type: models.ItemLabor, Name: "Install pads", Quantity: 1, TotalPriceCents: ptr[int64](7500), SortOrder: 1},
				},
			},
		},
	}
}

func TestSaveInvoiceReplacesChildrenInOneTransaction(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)
	inv := sampleInvoice()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO parsed_invoices").
		WithArgs(int64(7), inv.Ref.PDFURL, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"completed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "INVOICE 7", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("DELETE FROM parsed_invoice_line_items").WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("DELETE FROM parsed_invoice_services").WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery("INSERT INTO parsed_invoice_services").
		WithArgs(int64(42), "Brakes", pgxmock.AnyArg(), 0).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO parsed_invoice_line_items").
		WithArgs(int64(42), int64(100), "part", "Brake pad", 2.0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO parsed_invoice_line_items").
		WithArgs(int64(42), int64(100), "labor", "Install pads", 1.0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := s.SaveInvoice(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInvoiceRollsBackOnChildFailure(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO parsed_invoices").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("DELETE FROM parsed_invoice_line_items").WithArgs(int64(42)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.SaveInvoice(context.Background(), sampleInvoice())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCompleted(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)
	key := models.DocumentKey{RequestID: 7, PDFURL: "https://files.example.com/7.pdf"}

	mock.ExpectQuery("SELECT id FROM parsed_invoices").WithArgs(int64(7), key.PDFURL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	id, ok, err := s.FindCompleted(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	mock.ExpectQuery("SELECT id FROM parsed_invoices").WithArgs(int64(7), key.PDFURL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, ok, err = s.FindCompleted(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)
	ref := models.DocumentRef{RequestID: 9, PDFURL: "https://files.example.com/9.pdf"}

	mock.ExpectExec("INSERT INTO parsed_invoices").
		WithArgs(int64(9), ref.PDFURL, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.MarkFailed(context.Background(), ref, models.ParseMeta{Error: "rate limited"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCountsInsertedRows(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)
	refs := []models.DocumentRef{
		{RequestID: 1, PDFURL: "https://files.example.com/1.pdf"},
		{RequestID: 2, PDFURL: "https://files.example.com/2.pdf"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("ON CONFLICT \\(request_id, pdf_url\\) DO NOTHING").
		WithArgs(int64(1), refs[0].PDFURL, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ON CONFLICT \\(request_id, pdf_url\\) DO NOTHING").
		WithArgs(int64(2), refs[1].PDFURL, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.Enqueue(context.Background(), refs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRequeuesFailed(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec("WHERE parsed_invoices.parse_status = 'failed'").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.Enqueue(context.Background(), []models.DocumentRef{{RequestID: 1, PDFURL: "https://files.example.com/1.pdf"}}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPending(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)

	rows := pgxmock.NewRows([]string{"request_id", "pdf_url", "shop_id", "vehicle_id", "fleet_id", "pdf_shop_name", "pdf_vin"}).
		AddRow(int64(1), "https://files.example.com/1.pdf", ptr[int64](5), nil, ptr[int64](3), ptr("Midas"), nil).
		AddRow(int64(2), "https://files.example.com/2.pdf", nil, nil, nil, nil, nil)
	mock.ExpectQuery("WHERE parse_status = 'pending'").WithArgs(10).WillReturnRows(rows)

	refs, err := s.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(1), refs[0].RequestID)
	require.NotNil(t, refs[0].FleetID)
	assert.Equal(t, int64(3), *refs[0].FleetID)
	assert.Equal(t, "Midas", *refs[0].ShopName)
	assert.Nil(t, refs[1].FleetID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingKeys(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)

	mock.ExpectQuery("parse_status = ANY").WithArgs([]string{"completed", "failed"}).
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "pdf_url"}).
			AddRow(int64(1), "https://files.example.com/1.pdf"))

	keys, err := s.ExistingKeys(context.Background(), models.ParseStatusCompleted, models.ParseStatusFailed)
	require.NoError(t, err)
	assert.Contains(t, keys, models.DocumentKey{RequestID: 1, PDFURL: "https://files.example.com/1.pdf"})
	assert.Len(t, keys, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFleetsWithCompletedInvoices(t *testing.T) {
	mock := newMock(t)
	s := NewInvoiceStore(mock)

	mock.ExpectQuery("SELECT DISTINCT fleet_id").
		WillReturnRows(pgxmock.NewRows([]string{"fleet_id"}).AddRow(int64(3)).AddRow(int64(8)))

	fleets, err := s.FleetsWithCompletedInvoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8}, fleets)
	assert.NoError(t, mock.ExpectationsWereMet())
}
