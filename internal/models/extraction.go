package models

// LineItemType is the closed set of line item classifications.
type LineItemType string

const (
	ItemLabor         LineItemType = "labor"
	ItemPart          LineItemType = "part"
	ItemFee           LineItemType = "fee"
	ItemShopSupply    LineItemType = "shop_supply"
	ItemHazmat        LineItemType = "hazmat"
	ItemEnvironmental LineItemType = "environmental"
	ItemSublet        LineItemType = "sublet"
	ItemTire          LineItemType = "tire"
	ItemFluid         LineItemType = "fluid"
	ItemFilter        LineItemType = "filter"
	ItemDiscount      LineItemType = "discount"
	ItemTax           LineItemType = "tax"
	ItemMisc          LineItemType = "misc"
	ItemUnknown       LineItemType = "unknown"
)

var lineItemTypes = map[LineItemType]struct{}{
	ItemLabor: {}, ItemPart: {}, ItemFee: {}, ItemShopSupply: {}, ItemHazmat: {},
	ItemEnvironmental: {}, ItemSublet: {}, ItemTire: {}, ItemFluid: {}, ItemFilter: {},
	ItemDiscount: {}, ItemTax: {}, ItemMisc: {}, ItemUnknown: {},
}

// ParseLineItemType maps anything outside the closed set to ItemUnknown.
func ParseLineItemType(s string) LineItemType {
	if _, ok := lineItemTypes[LineItemType(s)]; ok {
		return LineItemType(s)
	}
	return ItemUnknown
}

// FieldCategory groups extra fields that have no dedicated schema slot.
type FieldCategory string

const (
	CategoryShop      FieldCategory = "shop"
	CategoryVehicle   FieldCategory = "vehicle"
	CategoryCustomer  FieldCategory = "customer"
	CategoryFinancial FieldCategory = "financial"
	CategoryService   FieldCategory = "service"
	CategoryMisc      FieldCategory = "misc"
)

// ParseFieldCategory maps anything outside the closed set to CategoryMisc.
func ParseFieldCategory(s string) FieldCategory {
	switch c := FieldCategory(s); c {
	case CategoryShop, CategoryVehicle, CategoryCustomer, CategoryFinancial, CategoryService, CategoryMisc:
		return c
	}
	return CategoryMisc
}

// ExtractionResult is the validated structured output of the extraction model.
// Optional scalars are pointers so that "absent" survives the round trip.
type ExtractionResult struct {
	IsValidInvoice  bool    `json:"is_valid_invoice"`
	ParseConfidence float64 `json:"parse_confidence"`

	InvoiceNumber       *string `json:"invoice_number,omitempty"`
	WorkOrderNumber     *string `json:"work_order_number,omitempty"`
	RepairOrderNumber   *string `json:"repair_order_number,omitempty"`
	PurchaseOrderNumber *string `json:"purchase_order_number,omitempty"`
	EstimateNumber      *string `json:"estimate_number,omitempty"`
	AuthorizationNumber *string `json:"authorization_number,omitempty"`

	InvoiceDate  *string `json:"invoice_date,omitempty"`
	EstimateDate *string `json:"estimate_date,omitempty"`
	DueDate      *string `json:"due_date,omitempty"`
	PromiseDate  *string `json:"promise_date,omitempty"`
	DateIn       *string `json:"date_in,omitempty"`
	DateOut      *string `json:"date_out,omitempty"`

	ShopName    *string `json:"shop_name,omitempty"`
	ShopAddress *string `json:"shop_address,omitempty"`
	ShopCity    *string `json:"shop_city,omitempty"`
	ShopState   *string `json:"shop_state,omitempty"`
	ShopZip     *string `json:"shop_zip,omitempty"`
	ShopPhone   *string `json:"shop_phone,omitempty"`
	ShopEmail   *string `json:"shop_email,omitempty"`
	ShopWebsite *string `json:"shop_website,omitempty"`

	CustomerName    *string `json:"customer_name,omitempty"`
	CustomerAddress *string `json:"customer_address,omitempty"`
	CustomerPhone   *string `json:"customer_phone,omitempty"`
	CustomerEmail   *string `json:"customer_email,omitempty"`
	BillToName      *string `json:"bill_to_name,omitempty"`
	BillToAddress   *string `json:"bill_to_address,omitempty"`
	ShipToName      *string `json:"ship_to_name,omitempty"`
	ShipToAddress   *string `json:"ship_to_address,omitempty"`
	RemitToName     *string `json:"remit_to_name,omitempty"`
	RemitToAddress  *string `json:"remit_to_address,omitempty"`

	VIN             *string  `json:"vin,omitempty"`
	VehicleYear     *string  `json:"vehicle_year,omitempty"`
	VehicleMake     *string  `json:"vehicle_make,omitempty"`
	VehicleModel    *string  `json:"vehicle_model,omitempty"`
	VehicleSubmodel *string  `json:"vehicle_submodel,omitempty"`
	VehicleEngine   *string  `json:"vehicle_engine,omitempty"`
	VehicleColor    *string  `json:"vehicle_color,omitempty"`
	VehiclePlate    *string  `json:"vehicle_plate,omitempty"`
	VehicleUnit     *string  `json:"vehicle_unit,omitempty"`
	MileageIn       *float64 `json:"mileage_in,omitempty"`
	MileageOut      *float64 `json:"mileage_out,omitempty"`

	// Totals are in dollars as the model reports them.
	Subtotal          *float64 `json:"subtotal,omitempty"`
	LaborTotal        *float64 `json:"labor_total,omitempty"`
	PartsTotal        *float64 `json:"parts_total,omitempty"`
	FeesTotal         *float64 `json:"fees_total,omitempty"`
	ShopSupplies      *float64 `json:"shop_supplies,omitempty"`
	HazmatFees        *float64 `json:"hazmat_fees,omitempty"`
	EnvironmentalFees *float64 `json:"environmental_fees,omitempty"`
	DiscountAmount    *float64 `json:"discount_amount,omitempty"`
	DiscountPercent   *float64 `json:"discount_percent,omitempty"`
	TaxAmount         *float64 `json:"tax_amount,omitempty"`
	TaxRatePercent    *float64 `json:"tax_rate_percent,omitempty"`
	GrandTotal        *float64 `json:"grand_total,omitempty"`
	BalanceDue        *float64 `json:"balance_due,omitempty"`
	AmountPaid        *float64 `json:"amount_paid,omitempty"`

	PaymentTerms  *string `json:"payment_terms,omitempty"`
	PaymentMethod *string `json:"payment_method,omitempty"`

	ApprovedBy               *string `json:"approved_by,omitempty"`
	ApprovedAt               *string `json:"approved_at,omitempty"`
	CustomerSignaturePresent bool    `json:"customer_signature_present"`

	WarrantyText *string `json:"warranty_text,omitempty"`
	TermsText    *string `json:"terms_text,omitempty"`
	Notes        *string `json:"notes,omitempty"`

	Services []Service    `json:"services"`
	Extras   []ExtraField `json:"extras"`
	RawText  string       `json:"raw_text"`
}

// Service is one job on the invoice.
type Service struct {
	ServiceName        *string    `json:"service_name,omitempty"`
	ServiceDescription *string    `json:"service_description,omitempty"`
	ServiceCode        *string    `json:"service_code,omitempty"`
	Complaint          *string    `json:"complaint,omitempty"`
	Cause              *string    `json:"cause,omitempty"`
	Correction         *string    `json:"correction,omitempty"`
	IsApproved         *bool      `json:"is_approved,omitempty"`
	IsRecommended      *bool      `json:"is_recommended,omitempty"`
	IsDeclined         *bool      `json:"is_declined,omitempty"`
	CompletionDate     *string    `json:"completion_date,omitempty"`
	ServiceSubtotal    *float64   `json:"service_subtotal,omitempty"`
	LineItems          []LineItem `json:"line_items"`
	SortOrder          float64    `json:"sort_order"`
}

// LineItem is a single charge within a service.
type LineItem struct {
	ItemType    LineItemType `json:"item_type"`
	Name        string       `json:"name"`
	Description *string      `json:"description,omitempty"`

	Quantity   float64  `json:"quantity"`
	UnitPrice  *float64 `json:"unit_price,omitempty"`
	TotalPrice *float64 `json:"total_price,omitempty"`

	PartNumber       *string `json:"part_number,omitempty"`
	Brand            *string `json:"brand,omitempty"`
	IsOEM            *bool   `json:"is_oem,omitempty"`
	IsAftermarket    *bool   `json:"is_aftermarket,omitempty"`
	IsUsed           *bool   `json:"is_used,omitempty"`
	IsRemanufactured *bool   `json:"is_remanufactured,omitempty"`
	Source           *string `json:"source,omitempty"`

	Hours          *float64 `json:"hours,omitempty"`
	RatePerHour    *float64 `json:"rate_per_hour,omitempty"`
	LaborType      *string  `json:"labor_type,omitempty"`
	Technician     *string  `json:"technician,omitempty"`
	CompletionDate *string  `json:"completion_date,omitempty"`

	TireSize     *string `json:"tire_size,omitempty"`
	TireBrand    *string `json:"tire_brand,omitempty"`
	TireModel    *string `json:"tire_model,omitempty"`
	TirePosition *string `json:"tire_position,omitempty"`

	FluidType     *string  `json:"fluid_type,omitempty"`
	FluidQuantity *float64 `json:"fluid_quantity,omitempty"`
	FluidUnit     *string  `json:"fluid_unit,omitempty"`

	OperationType *string `json:"operation_type,omitempty"`
	RepairArea    *string `json:"repair_area,omitempty"`
	IsSublet      bool    `json:"is_sublet"`
	SubletVendor  *string `json:"sublet_vendor,omitempty"`

	SortOrder float64 `json:"sort_order"`
}

// ExtraField carries data the model found that has no dedicated slot.
type ExtraField struct {
	FieldName      string        `json:"field_name"`
	FieldValue     string        `json:"field_value"`
	FieldCategory  FieldCategory `json:"field_category"`
	SourceLocation *string       `json:"source_location,omitempty"`
}

// Extraction wraps a result with how it was obtained.
type Extraction struct {
	Result      ExtractionResult
	Raw         []byte
	Model       string
	ElapsedMs   int64
	Escalated   bool
	NeedsReview bool
}
