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

// InvoiceStore reads and writes invoice records with their services and line items.
type InvoiceStore struct {
	db DB
}

func NewInvoiceStore(db DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

const findCompletedSQL = `
SELECT id FROM parsed_invoices
WHERE request_id = $1 AND pdf_url = $2 AND parse_status = 'completed'`

// FindCompleted returns the id of the completed record for key, if any.
func (s *InvoiceStore) FindCompleted(ctx context.Context, key models.DocumentKey) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx, findCompletedSQL, key.RequestID, key.PDFURL).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.E(errs.KindStorage, "store.FindCompleted", err)
	}
	return id, true, nil
}

const upsertInvoiceSQL = `
INSERT INTO parsed_invoices (
    request_id, pdf_url, shop_id, vehicle_id, fleet_id, parse_status, invoice_date,
    grand_total_cents, labor_total_cents, parts_total_cents, tax_amount_cents,
    pdf_shop_name, pdf_vin, payment_terms, extracted_data, raw_extracted_text,
    raw_llm_response, parse_meta
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (request_id, pdf_url) DO UPDATE SET
    shop_id = EXCLUDED.shop_id,
    vehicle_id = EXCLUDED.vehicle_id,
    fleet_id = EXCLUDED.fleet_id,
    parse_status = EXCLUDED.parse_status,
    invoice_date = EXCLUDED.invoice_date,
    grand_total_cents = EXCLUDED.grand_total_cents,
    labor_total_cents = EXCLUDED.labor_total_cents,
    parts_total_cents = EXCLUDED.parts_total_cents,
    tax_amount_cents = EXCLUDED.tax_amount_cents,
    pdf_shop_name = EXCLUDED.pdf_shop_name,
    pdf_vin = EXCLUDED.pdf_vin,
    payment_terms = EXCLUDED.payment_terms,
    extracted_data = EXCLUDED.extracted_data,
    raw_extracted_text = EXCLUDED.raw_extracted_text,
    raw_llm_response = EXCLUDED.raw_llm_response,
    parse_meta = EXCLUDED.parse_meta,
    updated_at = NOW()
RETURNING id`

const deleteLineItemsSQL = `DELETE FROM parsed_invoice_line_items WHERE parsed_invoice_id = $1`
const deleteServicesSQL = `DELETE FROM parsed_invoice_services WHERE parsed_invoice_id = $1`

const insertServiceSQL = `
INSERT INTO parsed_invoice_services (parsed_invoice_id, service_name, service_data, sort_order)
VALUES ($1, $2, $3, $4)
RETURNING id`

const insertLineItemSQL = `
INSERT INTO parsed_invoice_line_items (
    parsed_invoice_id, parsed_service_id, item_type, name, quantity,
    unit_price_cents, total_price_cents, item_data, sort_order
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// SaveInvoice upserts the invoice row and replaces all of its services and
// line items in one transaction. Either everything is written or nothing is.
func (s *InvoiceStore) SaveInvoice(ctx context.Context, inv models.NormalizedInvoice) (int64, error) {
	const op = "store.SaveInvoice"

	meta, err := json.Marshal(inv.Meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal parse meta: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errs.E(errs.KindStorage, op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	id, err := saveInvoiceTx(ctx, tx, inv, meta)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, errs.E(errs.KindStorage, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.E(errs.KindStorage, op, fmt.Errorf("failed to commit: %w", err))
	}
	return id, nil
}

func saveInvoiceTx(ctx context.Context, tx pgx.Tx, inv models.NormalizedInvoice, meta []byte) (int64, error) {
	ref := inv.Ref

	var id int64
	err := tx.QueryRow(ctx, upsertInvoiceSQL,
		ref.RequestID, ref.PDFURL, ref.ShopID, ref.VehicleID, ref.FleetID,
		string(inv.Status), inv.InvoiceDate,
		inv.GrandTotalCents, inv.LaborTotalCents, inv.PartsTotalCents, inv.TaxAmountCents,
		inv.ShopName, inv.VIN, inv.PaymentTerms,
		jsonOrNull(inv.ExtractedData), inv.RawText, jsonOrNull(inv.RawResponse), meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	if _, err := tx.Exec(ctx, deleteLineItemsSQL, id); err != nil {
		return 0, fmt.Errorf("failed to delete line items: %w", err)
	}
	if _, err := tx.Exec(ctx, deleteServicesSQL, id); err != nil {
		return 0, fmt.Errorf("failed to delete services: %w", err)
	}

	for _, svc := range inv.Services {
		data, err := json.Marshal(nonNilMap(svc.Data))
		if err != nil {
			return 0, fmt.Errorf("failed to marshal service data: %w", err)
		}
		var serviceID int64
		if err := tx.QueryRow(ctx, insertServiceSQL, id, svc.Name, data, svc.SortOrder).Scan(&serviceID); err != nil {
			return 0, fmt.Errorf("failed to insert service %q: %w", svc.Name, err)
		}

		for _, item := range svc.LineItems {
			itemData, err := json.Marshal(nonNilMap(item.Data))
			if err != nil {
				return 0, fmt.Errorf("failed to marshal item data: %w", err)
			}
			if _, err := tx.Exec(ctx, insertLineItemSQL,
				id, serviceID, string(item.Type), item.Name, item.Quantity,
				item.UnitPriceCents, item.TotalPriceCents, itemData, item.SortOrder,
			); err != nil {
				return 0, fmt.Errorf("failed to insert line item %q: %w", item.Name, err)
			}
		}
	}
	return id, nil
}

const markFailedSQL = `
INSERT INTO parsed_invoices (request_id, pdf_url, shop_id, vehicle_id, fleet_id, parse_status, pdf_shop_name, pdf_vin, parse_meta)
VALUES ($1, $2, $3, $4, $5, 'failed', $6, $7, $8)
ON CONFLICT (request_id, pdf_url) DO UPDATE SET
    parse_status = 'failed',
    parse_meta = EXCLUDED.parse_meta,
    updated_at = NOW()`

// MarkFailed records a terminal failure for ref. Existing extracted content is kept.
func (s *InvoiceStore) MarkFailed(ctx context.Context, ref models.DocumentRef, meta models.ParseMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal parse meta: %w", err)
	}
	if _, err := s.db.Exec(ctx, markFailedSQL,
		ref.RequestID, ref.PDFURL, ref.ShopID, ref.VehicleID, ref.FleetID, ref.ShopName, ref.VehicleVIN, raw,
	); err != nil {
		return errs.E(errs.KindStorage, "store.MarkFailed", err)
	}
	return nil
}

const enqueueSQL = `
INSERT INTO parsed_invoices (request_id, pdf_url, shop_id, vehicle_id, fleet_id, parse_status, pdf_shop_name, pdf_vin)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
ON CONFLICT (request_id, pdf_url) DO NOTHING`

const enqueueRequeueSQL = `
INSERT INTO parsed_invoices (request_id, pdf_url, shop_id, vehicle_id, fleet_id, parse_status, pdf_shop_name, pdf_vin)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
ON CONFLICT (request_id, pdf_url) DO UPDATE SET
    parse_status = 'pending',
    updated_at = NOW()
WHERE parsed_invoices.parse_status = 'failed'`

// Enqueue inserts pending records for refs and returns how many rows changed.
// Completed records are never touched. With requeueFailed, failed records
// go back to pending.
func (s *InvoiceStore) Enqueue(ctx context.Context, refs []models.DocumentRef, requeueFailed bool) (int, error) {
	const op = "store.Enqueue"
	if len(refs) == 0 {
		return 0, nil
	}
	query := enqueueSQL
	if requeueFailed {
		query = enqueueRequeueSQL
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errs.E(errs.KindStorage, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	inserted := 0
	for _, ref := range refs {
		tag, err := tx.Exec(ctx, query, ref.RequestID, ref.PDFURL, ref.ShopID, ref.VehicleID, ref.FleetID, ref.ShopName, ref.VehicleVIN)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, errs.E(errs.KindStorage, op, fmt.Errorf("request %d: %w", ref.RequestID, err))
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.E(errs.KindStorage, op, fmt.Errorf("failed to commit: %w", err))
	}
	return inserted, nil
}

const listPendingSQL = `
SELECT request_id, pdf_url, shop_id, vehicle_id, fleet_id, pdf_shop_name, pdf_vin
FROM parsed_invoices
WHERE parse_status = 'pending'
ORDER BY id
LIMIT $1`

// ListPending returns up to limit pending references, oldest first. Callers
// always read from the head since processed records leave the pending set.
func (s *InvoiceStore) ListPending(ctx context.Context, limit int) ([]models.DocumentRef, error) {
	rows, err := s.db.Query(ctx, listPendingSQL, limit)
	if err != nil {
		return nil, errs.E(errs.KindStorage, "store.ListPending", err)
	}
	defer rows.Close()

	var refs []models.DocumentRef
	for rows.Next() {
		var ref models.DocumentRef
		if err := rows.Scan(&ref.RequestID, &ref.PDFURL, &ref.ShopID, &ref.VehicleID, &ref.FleetID, &ref.ShopName, &ref.VehicleVIN); err != nil {
			return nil, errs.E(errs.KindStorage, "store.ListPending", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.KindStorage, "store.ListPending", err)
	}
	return refs, nil
}

const existingKeysSQL = `
SELECT request_id, pdf_url FROM parsed_invoices WHERE parse_status = ANY($1)`

// ExistingKeys returns the keys of every record in one of statuses.
func (s *InvoiceStore) ExistingKeys(ctx context.Context, statuses ...models.ParseStatus) (map[models.DocumentKey]struct{}, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, existingKeysSQL, names)
	if err != nil {
		return nil, errs.E(errs.KindStorage, "store.ExistingKeys", err)
	}
	defer rows.Close()

	keys := make(map[models.DocumentKey]struct{})
	for rows.Next() {
		var k models.DocumentKey
		if err := rows.Scan(&k.RequestID, &k.PDFURL); err != nil {
			return nil, errs.E(errs.KindStorage, "store.ExistingKeys", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

const completedFleetsSQL = `
SELECT DISTINCT fleet_id FROM parsed_invoices
WHERE parse_status = 'completed' AND fleet_id IS NOT NULL
ORDER BY fleet_id`

// FleetsWithCompletedInvoices lists fleets that own at least one completed invoice.
func (s *InvoiceStore) FleetsWithCompletedInvoices(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, completedFleetsSQL)
	if err != nil {
		return nil, errs.E(errs.KindStorage, "store.FleetsWithCompletedInvoices", err)
	}
	fleets, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errs.E(errs.KindStorage, "store.FleetsWithCompletedInvoices", err)
	}
	return fleets, nil
}

const getInvoiceSQL = `
SELECT id, request_id, pdf_url, shop_id, vehicle_id, fleet_id, parse_status,
       invoice_date, grand_total_cents, pdf_shop_name, parse_meta, updated_at
FROM parsed_invoices
WHERE request_id = $1 AND pdf_url = $2`

// Get loads the record stored under key.
func (s *InvoiceStore) Get(ctx context.Context, key models.DocumentKey) (models.InvoiceRecord, error) {
	var (
		rec    models.InvoiceRecord
		status string
		meta   []byte
	)
	err := s.db.QueryRow(ctx, getInvoiceSQL, key.RequestID, key.PDFURL).Scan(
		&rec.ID, &rec.Ref.RequestID, &rec.Ref.PDFURL, &rec.Ref.ShopID, &rec.Ref.VehicleID, &rec.Ref.FleetID,
		&status, &rec.InvoiceDate, &rec.GrandTotalCents, &rec.ShopName, &meta, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InvoiceRecord{}, errs.Errorf(errs.KindNotFound, "store.Get", "no invoice for request %d", key.RequestID)
	}
	if err != nil {
		return models.InvoiceRecord{}, errs.E(errs.KindStorage, "store.Get", err)
	}
	rec.Status = models.ParseStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("failed to decode parse meta: %w", err)
		}
	}
	return rec, nil
}

func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
