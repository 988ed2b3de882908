package gcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/api/option"

	"github.com/sslvsup/serviceup-insights/internal/errs"
)

// Credentials holds the service account material in every form it can be supplied.
type Credentials struct {
	JSON     string
	Base64   string
	File     string
	Required bool
}

// ClientOptions resolves the credentials into client options. The first
// non-empty source wins: inline JSON, base64 JSON, file path. With none set the
// clients fall back to application default credentials unless Required is set.
func (c Credentials) ClientOptions() ([]option.ClientOption, error) {
	const op = "gcp.ClientOptions"

	switch {
	case strings.TrimSpace(c.JSON) != "":
		raw := []byte(c.JSON)
		if !json.Valid(raw) {
			return nil, errs.Errorf(errs.KindConfiguration, op, "inline service account is not valid JSON")
		}
		slog.Debug("Using inline service account credentials.")
		return []option.ClientOption{option.WithCredentialsJSON(raw)}, nil

	case strings.TrimSpace(c.Base64) != "":
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Base64))
		if err != nil {
			return nil, errs.E(errs.KindConfiguration, op, fmt.Errorf("failed to decode base64 service account: %w", err))
		}
		if !json.Valid(raw) {
			return nil, errs.Errorf(errs.KindConfiguration, op, "decoded service account is not valid JSON")
		}
		slog.Debug("Using base64 service account credentials.")
		return []option.ClientOption{option.WithCredentialsJSON(raw)}, nil

	case c.File != "":
		if _, err := os.Stat(c.File); err != nil {
			return nil, errs.E(errs.KindConfiguration, op, fmt.Errorf("service account file %s: %w", c.File, err))
		}
		slog.Debug("Using service account file.", "path", c.File)
		return []option.ClientOption{option.WithCredentialsFile(c.File)}, nil
	}

	if c.Required {
		return nil, errs.Errorf(errs.KindConfiguration, op, "no service account credentials configured")
	}
	slog.Debug("Using application default credentials.")
	return nil, nil
}
