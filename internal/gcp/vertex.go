package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

// --- Invoice Extraction Prompts ---
const InvoiceSystemPrompt = `You are an expert automotive repair invoice data extraction system. Your job is to extract EVERY piece of information from repair shop invoice/estimate PDFs into a structured JSON object.

CRITICAL RULES:
1. Extract EVERYTHING. Do not skip any data point, no matter how minor.
2. If a field exists in the PDF but doesn't map to the schema, put it in the "extras" array.
3. If a field is not present in the PDF, set it to null.
4. Dollar amounts are in dollars (155.00, not 15500 cents).
5. Dates are ISO formatted (YYYY-MM-DD).
6. Put the complete text of the document in "raw_text".
7. Set parse_confidence between 0 and 1 based on how confident you are in the extraction.
8. Set is_valid_invoice to false when the document is not a repair invoice or estimate.

SHOP NAME (shop_name): the repair shop performing the work, usually the largest text at the top. Never leave it null if any shop name is visible.

GRAND TOTAL (grand_total): the final amount the customer owes, the last or largest total on the document. It may be labeled "Grand Total", "Total Due", "Amount Due", "Balance Due", "Customer Total", "Total" or "Invoice Total". Always populate it when any total is present.

LINE ITEM NAME (name): the descriptive label of the line item, never null and never "Unknown". Use the operation or description text.

LINE ITEM CLASSIFICATION (item_type):
- "labor": hourly work (body, mechanical, refinish, frame, A/C, paint). Extract hours and rate.
- "part": physical parts. Look for part numbers.
- "fee": miscellaneous charges (disposal, admin, storage).
- "shop_supply": charges labeled as shop supplies.
- "hazmat": hazardous material disposal.
- "environmental": environmental compliance fees.
- "sublet": work sent to another vendor.
- "tire": tires, with size, brand, model and position.
- "fluid": oils, coolants, brake fluid, with type, quantity and unit.
- "filter": oil, air, cabin and fuel filters.
- "discount": negative items reducing the total.
- "tax": tax lines broken out separately.
- "misc" or "unknown": anything else.

COLLISION ESTIMATES (CCC, Mitchell): every damage area section becomes a service named after the area. labor_total is the body, refinish and frame labor dollars; parts_total is the parts dollars.

SERVICE GROUPING: create one service per named job or complaint and nest its line items. Flat invoices get a single service called "General Service". Capture complaint, cause and correction when present.

VEHICLE: VIN (17 characters), year, make, model, submodel, engine, color, plate ("Tag"), fleet unit ("Unit #"), mileage in/out ("Odometer").

FINANCIAL: subtotals, labor and parts totals, discounts, tax amount and rate, grand_total, balance_due, amount_paid, payment terms.

EXTRAS: every other data point goes into "extras" with field_name, field_value, field_category (one of shop, vehicle, customer, financial, service, misc) and source_location.

OUTPUT SHAPE (JSON object):
{"is_valid_invoice": bool, "parse_confidence": number, "invoice_number": string, "work_order_number": string, "repair_order_number": string, "purchase_order_number": string, "estimate_number": string, "authorization_number": string, "invoice_date": string, "estimate_date": string, "due_date": string, "promise_date": string, "date_in": string, "date_out": string, "shop_name": string, "shop_address": string, "shop_city": string, "shop_state": string, "shop_zip": string, "shop_phone": string, "shop_email": string, "shop_website": string, "customer_name": string, "customer_address": string, "customer_phone": string, "customer_email": string, "bill_to_name": string, "bill_to_address": string, "ship_to_name": string, "ship_to_address": string, "remit_to_name": string, "remit_to_address": string, "vin": string, "vehicle_year": string, "vehicle_make": string, "vehicle_model": string, "vehicle_submodel": string, "vehicle_engine": string, "vehicle_color": string, "vehicle_plate": string, "vehicle_unit": string, "mileage_in": number, "mileage_out": number, "subtotal": number, "labor_total": number, "parts_total": number, "fees_total": number, "shop_supplies": number, "hazmat_fees": number, "environmental_fees": number, "discount_amount": number, "discount_percent": number, "tax_amount": number, "tax_rate_percent": number, "grand_total": number, "balance_due": number, "amount_paid": number, "payment_terms": string, "payment_method": string, "approved_by": string, "approved_at": string, "customer_signature_present": bool, "warranty_text": string, "terms_text": string, "notes": string,
 "services": [{"service_name": string, "service_description": string, "service_code": string, "complaint": string, "cause": string, "correction": string, "is_approved": bool, "is_recommended": bool, "is_declined": bool, "completion_date": string, "service_subtotal": number, "sort_order": number,
   "line_items": [{"item_type": string, "name": string, "description": string, "quantity": number, "unit_price": number, "total_price": number, "part_number": string, "brand": string, "is_oem": bool, "is_aftermarket": bool, "is_used": bool, "is_remanufactured": bool, "source": string, "hours": number, "rate_per_hour": number, "labor_type": string, "technician": string, "completion_date": string, "tire_size": string, "tire_brand": string, "tire_model": string, "tire_position": string, "fluid_type": string, "fluid_quantity": number, "fluid_unit": string, "operation_type": string, "repair_area": string, "is_sublet": bool, "sublet_vendor": string, "sort_order": number}]}],
 "extras": [{"field_name": string, "field_value": string, "field_category": string, "source_location": string}],
 "raw_text": string}`

const ExemplarPrompt = "This is a sample automotive repair invoice. I will send you another invoice PDF and would like you to extract all its data using the same structured format."
const ExemplarAck = "I have reviewed the sample automotive repair invoice and am ready to extract data from your invoice in the same structured format."
const ParseRequestPrompt = "Please parse this automotive repair invoice PDF according to the instructions provided. Extract every data point you can find."

// VertexClient holds the pre-configured extraction models.
type VertexClient struct {
	FastModel   *GeminiModel
	StrongModel *GeminiModel
	baseClient  *genai.Client
}

// NewVertexClient creates a client holding the fast and strong extraction models.
func NewVertexClient(ctx context.Context, projectID, region, fastModel, strongModel string, opts ...option.ClientOption) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		FastModel:   newExtractionModel(baseClient, fastModel),
		StrongModel: newExtractionModel(baseClient, strongModel),
		baseClient:  baseClient,
	}, nil
}

func newExtractionModel(client *genai.Client, name string) *GeminiModel {
	model := client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(InvoiceSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	return &GeminiModel{name: name, model: model}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// GeminiModel runs the extraction conversation against one Gemini model.
type GeminiModel struct {
	name  string
	model *genai.GenerativeModel
}

func (m *GeminiModel) Name() string { return m.name }

// GenerateJSON sends the target PDF and returns the model's raw text answer.
// With an exemplar the conversation starts with the sample PDF and a canned
// acknowledgement turn.
func (m *GeminiModel) GenerateJSON(ctx context.Context, pdf, exemplar []byte) (string, error) {
	session := m.model.StartChat()
	if len(exemplar) > 0 {
		session.History = []*genai.Content{
			{
				Role:  "user",
				Parts: []genai.Part{genai.Blob{MIMEType: "application/pdf", Data: exemplar}, genai.Text(ExemplarPrompt)},
			},
			{
				Role:  "model",
				Parts: []genai.Part{genai.Text(ExemplarAck)},
			},
		}
	}

	resp, err := session.SendMessage(ctx, genai.Blob{MIMEType: "application/pdf", Data: pdf}, genai.Text(ParseRequestPrompt))
	if err != nil {
		return "", fmt.Errorf("%s: generate content: %w", m.name, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%s: empty response from model", m.name)
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String(), nil
}
