package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"

	"github.com/sslvsup/serviceup-insights/internal/models"
)

const generalServiceName = "General Service"

var hundred = decimal.New(100, 0)

// InvoiceWriter persists a normalized invoice graph.
type InvoiceWriter interface {
	SaveInvoice(ctx context.Context, inv models.NormalizedInvoice) (int64, error)
}

// Persister maps extractions into the relational model and stores them.
type Persister struct {
	writer InvoiceWriter
	now    func() time.Time
}

func NewPersister(writer InvoiceWriter) *Persister {
	return &Persister{writer: writer, now: time.Now}
}

// Store normalizes the extraction for ref and writes it, replacing any
// services and line items from earlier runs. Storage errors are returned as is.
func (p *Persister) Store(ctx context.Context, ref models.DocumentRef, ext models.Extraction) (int64, models.NormalizedInvoice, error) {
	inv := Normalize(ref, ext, p.now())
	id, err := p.writer.SaveInvoice(ctx, inv)
	if err != nil {
		return 0, inv, err
	}

	slog.Info("Invoice stored.",
		"invoiceId", id,
		"requestId", ref.RequestID,
		"shopName", deref(inv.ShopName),
		"grandTotalCents", inv.GrandTotalCents,
		"services", len(inv.Services),
		"status", inv.Status,
	)
	return id, inv, nil
}

// Normalize builds the row set for one extraction. Money becomes integer
// cents, unparseable dates become absent, and an invoice without services
// gets a single placeholder service.
func Normalize(ref models.DocumentRef, ext models.Extraction, now time.Time) models.NormalizedInvoice {
	r := ext.Result

	status := models.ParseStatusCompleted
	if !r.IsValidInvoice {
		status = models.ParseStatusFailed
	}

	invoiceDate := parseDate(r.InvoiceDate)
	if invoiceDate == nil {
		invoiceDate = parseDate(r.EstimateDate)
	}

	confidence := r.ParseConfidence
	inv := models.NormalizedInvoice{
		Ref:             ref,
		Status:          status,
		InvoiceDate:     invoiceDate,
		GrandTotalCents: toCents(r.GrandTotal),
		LaborTotalCents: toCents(r.LaborTotal),
		PartsTotalCents: toCents(r.PartsTotal),
		TaxAmountCents:  toCents(r.TaxAmount),
		ShopName:        firstNonEmpty(r.ShopName, ref.ShopName),
		VIN:             firstNonEmpty(r.VIN, ref.VehicleVIN),
		PaymentTerms:    r.PaymentTerms,
		ExtractedData:   extractedData(ext.Raw),
		RawText:         r.RawText,
		RawResponse:     ext.Raw,
		Meta: models.ParseMeta{
			Model:       ext.Model,
			ElapsedMs:   ext.ElapsedMs,
			Confidence:  &confidence,
			Escalated:   ext.Escalated,
			NeedsReview: ext.NeedsReview,
			ParsedAt:    now.UTC(),
		},
	}
	if !r.IsValidInvoice {
		inv.Meta.Error = "document is not a valid invoice"
	}

	if len(r.Services) == 0 {
		inv.Services = []models.NormalizedService{{Name: generalServiceName, Data: map[string]any{}}}
		return inv
	}

	inv.Services = make([]models.NormalizedService, 0, len(r.Services))
	for _, svc := range r.Services {
		name := deref(svc.ServiceName)
		if name == "" {
			name = generalServiceName
		}
		ns := models.NormalizedService{
			Name:      name,
			Data:      serviceData(svc),
			SortOrder: sortOrder(svc.SortOrder),
			LineItems: make([]models.NormalizedLineItem, 0, len(svc.LineItems)),
		}
		for _, item := range svc.LineItems {
			ns.LineItems = append(ns.LineItems, models.NormalizedLineItem{
				Type:            item.ItemType,
				Name:            item.Name,
				Quantity:        item.Quantity,
				UnitPriceCents:  toCents(item.UnitPrice),
				TotalPriceCents: toCents(item.TotalPrice),
				Data:            itemData(item),
				SortOrder:       sortOrder(item.SortOrder),
			})
		}
		inv.Services = append(inv.Services, ns)
	}
	return inv
}

// toCents rounds a dollar amount to integer cents, half away from zero.
func toCents(dollars *float64) *int64 {
	if dollars == nil {
		return nil
	}
	cents := decimal.NewFromFloat(*dollars).Mul(hundred).Round(0).IntPart()
	return &cents
}

// sortOrder rounds a model-supplied position to the nearest integer.
func sortOrder(v float64) int {
	return int(decimal.NewFromFloat(v).Round(0).IntPart())
}

func parseDate(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	t, err := dateparse.ParseIn(strings.TrimSpace(*s), time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

// extractedData is the normalized extraction minus services and raw text,
// which have their own storage.
func extractedData(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	delete(doc, "services")
	delete(doc, "raw_text")
	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}

func serviceData(svc models.Service) map[string]any {
	data := map[string]any{}
	putString(data, "complaint", svc.Complaint)
	putString(data, "cause", svc.Cause)
	putString(data, "correction", svc.Correction)
	putString(data, "service_description", svc.ServiceDescription)
	putBool(data, "is_approved", svc.IsApproved)
	putBool(data, "is_recommended", svc.IsRecommended)
	putBool(data, "is_declined", svc.IsDeclined)
	putString(data, "completion_date", svc.CompletionDate)
	putString(data, "service_code", svc.ServiceCode)
	putNumber(data, "subtotal", svc.ServiceSubtotal)
	return data
}

func itemData(item models.LineItem) map[string]any {
	data := map[string]any{}

	putString(data, "part_number", item.PartNumber)
	putString(data, "brand", item.Brand)
	putBool(data, "is_oem", item.IsOEM)
	putBool(data, "is_aftermarket", item.IsAftermarket)
	putBool(data, "is_used", item.IsUsed)
	putBool(data, "is_remanufactured", item.IsRemanufactured)
	putString(data, "source", item.Source)

	putNumber(data, "hours", item.Hours)
	putNumber(data, "rate_per_hour", item.RatePerHour)
	putString(data, "labor_type", item.LaborType)
	putString(data, "technician", item.Technician)
	putString(data, "completion_date", item.CompletionDate)

	putString(data, "tire_size", item.TireSize)
	putString(data, "tire_brand", item.TireBrand)
	putString(data, "tire_model", item.TireModel)
	putString(data, "tire_position", item.TirePosition)

	putString(data, "fluid_type", item.FluidType)
	putNumber(data, "fluid_quantity", item.FluidQuantity)
	putString(data, "fluid_unit", item.FluidUnit)

	putString(data, "operation_type", item.OperationType)
	putString(data, "repair_area", item.RepairArea)
	if item.IsSublet {
		data["is_sublet"] = true
	}
	putString(data, "sublet_vendor", item.SubletVendor)
	putString(data, "description", item.Description)
	return data
}

func putString(m map[string]any, key string, v *string) {
	if v != nil && *v != "" {
		m[key] = *v
	}
}

func putBool(m map[string]any, key string, v *bool) {
	if v != nil {
		m[key] = *v
	}
}

func putNumber(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

func firstNonEmpty(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return v
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
