package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure by how the pipeline should react to it.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindRateLimited       Kind = "rate_limited"
	KindTimeout           Kind = "timeout"
	KindInvalidJSON       Kind = "invalid_json"
	KindSchemaViolation   Kind = "schema_violation"
	KindNotFound          Kind = "not_found"
	KindHTTP              Kind = "http_error"
	KindMalformedPDF      Kind = "malformed_pdf"
	KindUnsupportedSource Kind = "unsupported_source"
	KindConfiguration     Kind = "configuration"
	KindStorage           Kind = "storage"
)

// Error is a classified pipeline error.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// HTTP builds an http_error carrying the response status. 404 maps to not_found
// and 429 to rate_limited.
func HTTP(op string, code int, err error) *Error {
	kind := KindHTTP
	switch code {
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	}
	return &Error{Kind: kind, Op: op, Status: code, Err: err}
}

// KindOf returns the classification of err. Already classified errors keep
// their kind; everything else goes through Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable is true for conditions worth another attempt after backing off.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// Fatal is true for conditions that must abort the whole run.
func Fatal(err error) bool {
	return KindOf(err) == KindConfiguration
}

// Classify inspects an unclassified error from a client library. Structured
// signals win; message inspection is the fallback for errors that lost them.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return KindRateLimited
		case gerr.Code == http.StatusNotFound:
			return KindNotFound
		case gerr.Code == http.StatusRequestTimeout || gerr.Code == http.StatusGatewayTimeout:
			return KindTimeout
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return KindRateLimited
		case codes.DeadlineExceeded:
			return KindTimeout
		case codes.NotFound:
			return KindNotFound
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindUnknown
}
