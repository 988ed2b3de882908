package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

// MetabaseConfig addresses a Metabase instance that proxies native queries to
// the main application's replica.
type MetabaseConfig struct {
	URL        string
	APIKey     string
	DatabaseID int
	Dataset    string
	Timeout    time.Duration
}

// MetabaseSource lists invoice documents from the main application.
type MetabaseSource struct {
	cfg  MetabaseConfig
	http *http.Client
}

func NewMetabaseSource(cfg MetabaseConfig, httpClient *http.Client) *MetabaseSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &MetabaseSource{cfg: cfg, http: httpClient}
}

type datasetRequest struct {
	Database int         `json:"database"`
	Type     string      `json:"type"`
	Native   nativeQuery `json:"native"`
}

type nativeQuery struct {
	Query string `json:"query"`
}

type datasetResponse struct {
	Data struct {
		Rows [][]any `json:"rows"`
		Cols []struct {
			Name string `json:"name"`
		} `json:"cols"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

func (s *MetabaseSource) baseSelect() string {
	ds := s.cfg.Dataset
	return fmt.Sprintf(`
  SELECT r.id, r.invoicepdfurl, r.shopid, r.vehicleid, r.fleetid, r.createdat, r.status,
         s.name AS shop_name,
         v.vin, v.make, v.model, v.year AS vehicle_year,
         f.name AS fleet_name
  FROM `+"`%[1]s.requests`"+` r
  LEFT JOIN `+"`%[1]s.shops`"+` s ON r.shopid = s.id
  LEFT JOIN `+"`%[1]s.vehicles`"+` v ON r.vehicleid = v.id
  LEFT JOIN `+"`%[1]s.fleets`"+` f ON r.fleetid = f.id
`, ds)
}

// NewSince returns documents created after since, oldest first.
func (s *MetabaseSource) NewSince(ctx context.Context, since time.Time) ([]models.DocumentRef, error) {
	sql := s.baseSelect() + fmt.Sprintf(`
  WHERE r.invoicepdfurl IS NOT NULL
    AND r._sdc_deleted_at IS NULL
    AND r.createdat > '%s'
  ORDER BY r.createdat ASC
`, since.UTC().Format(time.RFC3339Nano))
	return s.documents(ctx, sql)
}

// All returns every document with an invoice PDF, oldest first.
func (s *MetabaseSource) All(ctx context.Context) ([]models.DocumentRef, error) {
	sql := s.baseSelect() + `
  WHERE r.invoicepdfurl IS NOT NULL
    AND r._sdc_deleted_at IS NULL
  ORDER BY r.createdat ASC
`
	return s.documents(ctx, sql)
}

func (s *MetabaseSource) documents(ctx context.Context, sql string) ([]models.DocumentRef, error) {
	rows, err := s.query(ctx, sql)
	if err != nil {
		return nil, err
	}
	refs := make([]models.DocumentRef, 0, len(rows))
	for _, row := range rows {
		ref, ok := toDocumentRef(row)
		if !ok {
			slog.Warn("Skipping source row without id or PDF URL.", "row", row)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// query runs a native SQL query and maps each row onto its column names.
func (s *MetabaseSource) query(ctx context.Context, sql string) ([]map[string]any, error) {
	const op = "source.query"
	if s.cfg.URL == "" || s.cfg.APIKey == "" {
		return nil, errs.Errorf(errs.KindConfiguration, op, "metabase url and api key must be set")
	}

	body, err := json.Marshal(datasetRequest{Database: s.cfg.DatabaseID, Type: "native", Native: nativeQuery{Query: sql}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+"/api/dataset", bytes.NewReader(body))
	if err != nil {
		return nil, errs.E(errs.KindConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.cfg.APIKey)

	slog.Debug("Executing Metabase query.", "databaseId", s.cfg.DatabaseID, "sqlPreview", preview(sql, 100))
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.Classify(err), op, err)
	}
	defer resp.Body.Close()

	// Metabase answers 202 for completed native queries.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.HTTP(op, resp.StatusCode, fmt.Errorf("metabase: %s: %s", resp.Status, bytes.TrimSpace(msg)))
	}

	var out datasetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.E(errs.KindInvalidJSON, op, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("metabase query error: %s", out.Error)
	}

	rows := make([]map[string]any, 0, len(out.Data.Rows))
	for _, r := range out.Data.Rows {
		m := make(map[string]any, len(out.Data.Cols))
		for i, c := range out.Data.Cols {
			if i < len(r) {
				m[c.Name] = r[i]
			}
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func toDocumentRef(row map[string]any) (models.DocumentRef, bool) {
	id := intValue(row["id"])
	url := stringValue(row["invoicepdfurl"])
	if id == nil || url == nil {
		return models.DocumentRef{}, false
	}
	ref := models.DocumentRef{
		RequestID:    *id,
		PDFURL:       *url,
		ShopID:       intValue(row["shopid"]),
		VehicleID:    intValue(row["vehicleid"]),
		FleetID:      intValue(row["fleetid"]),
		ShopName:     stringValue(row["shop_name"]),
		VehicleVIN:   stringValue(row["vin"]),
		VehicleMake:  stringValue(row["make"]),
		VehicleModel: stringValue(row["model"]),
		VehicleYear:  stringValue(row["vehicle_year"]),
		FleetName:    stringValue(row["fleet_name"]),
	}
	if created := stringValue(row["createdat"]); created != nil {
		if t, err := dateparse.ParseIn(*created, time.UTC); err == nil {
			ref.CreatedAt = &t
		}
	}
	return ref, true
}

// intValue reads an id column. Zero and empty values count as absent.
func intValue(v any) *int64 {
	var n int64
	switch t := v.(type) {
	case float64:
		n = int64(t)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		n = parsed
	case json.Number:
		parsed, err := t.Int64()
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	if n == 0 {
		return nil
	}
	return &n
}

func stringValue(v any) *string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n]
}
