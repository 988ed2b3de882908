package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/sslvsup/serviceup-insights/internal/errs"
	"github.com/sslvsup/serviceup-insights/internal/gcp"
)

// ObjectReader downloads an object from cloud storage.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// FetcherConfig controls retries and validation of PDF downloads.
// StorageRetries and HTTPRetries are the retry budgets of the two source
// kinds.
type FetcherConfig struct {
	Bucket         string
	StorageRetries int
	HTTPRetries    int
	Backoff        time.Duration
	Timeout        time.Duration
	ValidatePDF    bool
}

// DocumentFetcher retrieves PDF bytes from Firebase Storage or plain HTTP(S).
type DocumentFetcher struct {
	objects ObjectReader
	http    *http.Client
	cfg     FetcherConfig
	metrics *Metrics
}

var disablePDFConfigDir sync.Once

func NewDocumentFetcher(objects ObjectReader, httpClient *http.Client, cfg FetcherConfig, metrics *Metrics) *DocumentFetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.ValidatePDF {
		disablePDFConfigDir.Do(api.DisableConfigDir)
	}
	return &DocumentFetcher{objects: objects, http: httpClient, cfg: cfg, metrics: metrics}
}

// Fetch downloads the document at pdfURL. Each attempt is bounded by the
// configured timeout; the whole fetch is retried with exponential backoff.
// Malformed storage URLs, unsupported schemes, missing objects and invalid
// PDFs fail immediately.
func (f *DocumentFetcher) Fetch(ctx context.Context, pdfURL string) ([]byte, error) {
	logCtx := slog.With("pdfUrl", pdfURL)
	start := time.Now()
	defer func() { f.metrics.fetchLatency.Observe(time.Since(start).Seconds()) }()

	var (
		download func(context.Context) ([]byte, error)
		retries  int
	)
	if gcp.IsFirebaseStorageURL(pdfURL) {
		if f.objects == nil {
			return nil, errs.Errorf(errs.KindConfiguration, "fetch", "storage client not configured")
		}
		bucket, object, err := gcp.ParseFirebaseURL(pdfURL, f.cfg.Bucket)
		if err != nil {
			return nil, err
		}
		download = func(actx context.Context) ([]byte, error) {
			return f.objects.ReadObject(actx, bucket, object)
		}
		retries = f.cfg.StorageRetries
	} else {
		u, err := url.Parse(pdfURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errs.Errorf(errs.KindUnsupportedSource, "fetch", "unsupported document URL %q", pdfURL)
		}
		download = func(actx context.Context) ([]byte, error) {
			return f.httpGet(actx, pdfURL)
		}
		retries = f.cfg.HTTPRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := f.cfg.Backoff * time.Duration(1<<(attempt-1))
			logCtx.Warn("Retrying PDF download.", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
			}
		}

		data, err := f.attempt(ctx, download)
		if err == nil {
			if f.cfg.ValidatePDF {
				pages, verr := validatePDF(data)
				if verr != nil {
					return nil, verr
				}
				logCtx.Debug("PDF downloaded.", "bytes", len(data), "pages", pages)
			}
			return data, nil
		}
		lastErr = err

		switch errs.KindOf(err) {
		case errs.KindNotFound, errs.KindUnsupportedSource, errs.KindMalformedPDF, errs.KindConfiguration:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", retries+1, lastErr)
}

func (f *DocumentFetcher) attempt(ctx context.Context, download func(context.Context) ([]byte, error)) ([]byte, error) {
	actx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	data, err := download(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, errs.E(errs.KindTimeout, "fetch", fmt.Errorf("download exceeded %s: %w", f.cfg.Timeout, err))
	}
	return data, err
}

func (f *DocumentFetcher) httpGet(ctx context.Context, pdfURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, errs.E(errs.KindUnsupportedSource, "fetch", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", pdfURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errs.HTTP("fetch", resp.StatusCode, fmt.Errorf("GET %s: %s", pdfURL, resp.Status))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", pdfURL, err)
	}
	return data, nil
}

// validatePDF checks the bytes parse as a PDF and returns the page count.
func validatePDF(data []byte) (int, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return 0, errs.Errorf(errs.KindMalformedPDF, "fetch", "missing PDF header")
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, errs.E(errs.KindMalformedPDF, "fetch", err)
	}
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, errs.E(errs.KindMalformedPDF, "fetch", err)
	}
	return pages, nil
}
