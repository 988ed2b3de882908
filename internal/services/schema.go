package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	invoiceStringFields = []string{
		"invoice_number", "work_order_number", "repair_order_number", "purchase_order_number",
		"estimate_number", "authorization_number",
		"invoice_date", "estimate_date", "due_date", "promise_date", "date_in", "date_out",
		"shop_name", "shop_address", "shop_city", "shop_state", "shop_zip", "shop_phone", "shop_email", "shop_website",
		"customer_name", "customer_address", "customer_phone", "customer_email",
		"bill_to_name", "bill_to_address", "ship_to_name", "ship_to_address", "remit_to_name", "remit_to_address",
		"vin", "vehicle_year", "vehicle_make", "vehicle_model", "vehicle_submodel", "vehicle_engine",
		"vehicle_color", "vehicle_plate", "vehicle_unit",
		"payment_terms", "payment_method", "approved_by", "approved_at",
		"warranty_text", "terms_text", "notes", "raw_text",
	}
	invoiceNumberFields = []string{
		"mileage_in", "mileage_out",
		"subtotal", "labor_total", "parts_total", "fees_total", "shop_supplies", "hazmat_fees",
		"environmental_fees", "discount_amount", "discount_percent", "tax_amount", "tax_rate_percent",
		"grand_total", "balance_due", "amount_paid",
	}
	invoiceBoolFields = []string{"is_valid_invoice", "customer_signature_present"}

	serviceStringFields = []string{
		"service_name", "service_description", "service_code", "complaint", "cause", "correction", "completion_date",
	}
	serviceNumberFields = []string{"service_subtotal"}
	serviceBoolFields   = []string{"is_approved", "is_recommended", "is_declined"}

	itemStringFields = []string{
		"item_type", "name", "description", "part_number", "brand", "source", "labor_type", "technician",
		"completion_date", "tire_size", "tire_brand", "tire_model", "tire_position", "fluid_type", "fluid_unit",
		"operation_type", "repair_area", "sublet_vendor",
	}
	itemNumberFields = []string{"quantity", "unit_price", "total_price", "hours", "rate_per_hour", "fluid_quantity"}
	itemBoolFields   = []string{"is_oem", "is_aftermarket", "is_used", "is_remanufactured", "is_sublet"}
)

func typedProperties(props map[string]any, typ string, names []string) {
	for _, n := range names {
		props[n] = map[string]any{"type": typ}
	}
}

// extractionSchema describes the structure the model output must have once
// nulls are dropped and defaults applied. Unknown keys are tolerated and
// discarded on decode.
func extractionSchema() map[string]any {
	itemProps := map[string]any{"sort_order": map[string]any{"type": "number"}}
	typedProperties(itemProps, "string", itemStringFields)
	typedProperties(itemProps, "number", itemNumberFields)
	typedProperties(itemProps, "boolean", itemBoolFields)

	serviceProps := map[string]any{
		"sort_order": map[string]any{"type": "number"},
		"line_items": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "object", "properties": itemProps},
		},
	}
	typedProperties(serviceProps, "string", serviceStringFields)
	typedProperties(serviceProps, "number", serviceNumberFields)
	typedProperties(serviceProps, "boolean", serviceBoolFields)

	extraProps := map[string]any{
		"field_name":      map[string]any{"type": "string"},
		"field_value":     map[string]any{"type": "string"},
		"field_category":  map[string]any{"type": "string"},
		"source_location": map[string]any{"type": "string"},
	}

	props := map[string]any{
		"parse_confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"services": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "object", "properties": serviceProps},
		},
		"extras": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": extraProps,
				"required":   []any{"field_name"},
			},
		},
	}
	typedProperties(props, "string", invoiceStringFields)
	typedProperties(props, "number", invoiceNumberFields)
	typedProperties(props, "boolean", invoiceBoolFields)

	return map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": props,
	}
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	b, err := json.Marshal(extractionSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("extraction.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// validateExtraction checks a decoded JSON document against the extraction schema.
func validateExtraction(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
