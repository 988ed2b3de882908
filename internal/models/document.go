package models

import (
	"encoding/json"
	"time"
)

// ParseStatus is the lifecycle state of an invoice record.
type ParseStatus string

const (
	ParseStatusPending   ParseStatus = "pending"
	ParseStatusCompleted ParseStatus = "completed"
	ParseStatusFailed    ParseStatus = "failed"
)

// DocumentRef identifies one invoice PDF in the source system together with
// the context it was issued under.
type DocumentRef struct {
	RequestID    int64      `json:"requestId"`
	PDFURL       string     `json:"pdfUrl"`
	ShopID       *int64     `json:"shopId,omitempty"`
	VehicleID    *int64     `json:"vehicleId,omitempty"`
	FleetID      *int64     `json:"fleetId,omitempty"`
	ShopName     *string    `json:"shopName,omitempty"`
	VehicleVIN   *string    `json:"vehicleVin,omitempty"`
	VehicleMake  *string    `json:"vehicleMake,omitempty"`
	VehicleModel *string    `json:"vehicleModel,omitempty"`
	VehicleYear  *string    `json:"vehicleYear,omitempty"`
	FleetName    *string    `json:"fleetName,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
}

// Key returns the natural key the document is stored under.
func (r DocumentRef) Key() DocumentKey {
	return DocumentKey{RequestID: r.RequestID, PDFURL: r.PDFURL}
}

// DocumentKey is the (requestId, pdfUrl) pair. At most one invoice record
// exists per key.
type DocumentKey struct {
	RequestID int64
	PDFURL    string
}

// ParseMeta records how an invoice record was produced.
type ParseMeta struct {
	Model       string    `json:"llm_model,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Escalated   bool      `json:"escalated,omitempty"`
	NeedsReview bool      `json:"needs_review,omitempty"`
	Error       string    `json:"error,omitempty"`
	ParsedAt    time.Time `json:"parsed_at"`
}

// NormalizedInvoice is the relational shape of one extraction, ready to be
// written in a single transaction.
type NormalizedInvoice struct {
	Ref             DocumentRef
	Status          ParseStatus
	InvoiceDate     *time.Time
	GrandTotalCents *int64
	LaborTotalCents *int64
	PartsTotalCents *int64
	TaxAmountCents  *int64
	ShopName        *string
	VIN             *string
	PaymentTerms    *string
	ExtractedData   json.RawMessage
	RawText         string
	RawResponse     json.RawMessage
	Meta            ParseMeta
	Services        []NormalizedService
}

// NormalizedService is a service row with its owned line items.
type NormalizedService struct {
	Name      string
	Data      map[string]any
	SortOrder int
	LineItems []NormalizedLineItem
}

// NormalizedLineItem is a line item row. Money is in integer cents.
type NormalizedLineItem struct {
	Type            LineItemType
	Name            string
	Quantity        float64
	UnitPriceCents  *int64
	TotalPriceCents *int64
	Data            map[string]any
	SortOrder       int
}

// InvoiceRecord is the persisted summary of an invoice as read back from the store.
type InvoiceRecord struct {
	ID              int64
	Ref             DocumentRef
	Status          ParseStatus
	InvoiceDate     *time.Time
	GrandTotalCents *int64
	ShopName        *string
	Meta            ParseMeta
	UpdatedAt       time.Time
}
