package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// decodeExtraction turns raw model text into a validated result in two
// stages. Sanitation drops nulls, unwraps a single-element top-level array,
// coerces enums and extra values, and fills defaults. Validation then checks
// the structure against the schema before decoding into typed form.
// It also returns the normalized JSON that was decoded.
func decodeExtraction(raw string, rawTextCap int) (models.ExtractionResult, []byte, error) {
	const op = "extract.decode"

	text := stripCodeFence(raw)
	if text == "" {
		return models.ExtractionResult{}, nil, errs.Errorf(errs.KindInvalidJSON, op, "model returned an empty response")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return models.ExtractionResult{}, nil, errs.E(errs.KindInvalidJSON, op, err)
	}

	doc = dropNulls(unwrapSingleton(doc))
	obj, ok := doc.(map[string]any)
	if !ok {
		return models.ExtractionResult{}, nil, errs.Errorf(errs.KindSchemaViolation, op, "top-level value is %T, want object", doc)
	}
	sanitizeInvoice(obj)

	if err := validateExtraction(obj); err != nil {
		return models.ExtractionResult{}, nil, errs.E(errs.KindSchemaViolation, op, err)
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return models.ExtractionResult{}, nil, errs.E(errs.KindSchemaViolation, op, err)
	}
	var result models.ExtractionResult
	if err := json.Unmarshal(normalized, &result); err != nil {
		return models.ExtractionResult{}, nil, errs.E(errs.KindSchemaViolation, op, err)
	}

	result.RawText = truncateRunes(result.RawText, rawTextCap)
	return result, normalized, nil
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func unwrapSingleton(v any) any {
	if arr, ok := v.([]any); ok && len(arr) == 1 {
		return arr[0]
	}
	return v
}

// dropNulls recursively treats JSON null as absent: null object members are
// deleted and null array elements removed.
func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = dropNulls(val)
		}
		return t
	case []any:
		out := t[:0]
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, dropNulls(val))
		}
		return out
	}
	return v
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func sanitizeInvoice(doc map[string]any) {
	setDefault(doc, "is_valid_invoice", true)
	setDefault(doc, "parse_confidence", 0.5)
	setDefault(doc, "customer_signature_present", false)
	setDefault(doc, "services", []any{})
	setDefault(doc, "extras", []any{})
	setDefault(doc, "raw_text", "")

	if services, ok := doc["services"].([]any); ok {
		for i, s := range services {
			if svc, ok := s.(map[string]any); ok {
				sanitizeService(svc, i)
			}
		}
	}
	if extras, ok := doc["extras"].([]any); ok {
		for _, e := range extras {
			if extra, ok := e.(map[string]any); ok {
				sanitizeExtra(extra)
			}
		}
	}
}

func sanitizeService(svc map[string]any, index int) {
	setDefault(svc, "line_items", []any{})
	setDefault(svc, "sort_order", float64(index))

	items, ok := svc["line_items"].([]any)
	if !ok {
		return
	}
	for i, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := item["item_type"].(string)
		item["item_type"] = string(models.ParseLineItemType(typ))
		setDefault(item, "name", "Unknown")
		setDefault(item, "quantity", float64(1))
		setDefault(item, "is_sublet", false)
		setDefault(item, "sort_order", float64(i))
	}
}

func sanitizeExtra(extra map[string]any) {
	cat, _ := extra["field_category"].(string)
	extra["field_category"] = string(models.ParseFieldCategory(cat))
	extra["field_value"] = coerceString(extra["field_value"])
}

// coerceString renders any JSON value as a string; absent becomes "".
func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// truncateRunes caps s at limit characters without splitting a rune.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
