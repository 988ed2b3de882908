package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/sslvsup/serviceup-insights/internal/errs"
)

// FirebaseStorageHost marks download URLs that must be read through the
// storage client rather than plain HTTP.
const FirebaseStorageHost = "firebasestorage.googleapis.com"

// IsFirebaseStorageURL reports whether raw points at Firebase Storage.
func IsFirebaseStorageURL(raw string) bool {
	return strings.Contains(raw, FirebaseStorageHost)
}

// ParseFirebaseURL extracts the bucket and object path from a Firebase Storage
// download URL of the form .../v0/b/<bucket>/o/<escaped path>?alt=media.
// The bucket falls back to defaultBucket when the URL does not name one.
func ParseFirebaseURL(raw, defaultBucket string) (bucket, object string, err error) {
	const op = "gcp.ParseFirebaseURL"

	idx := strings.Index(raw, "/o/")
	if idx < 0 {
		return "", "", errs.Errorf(errs.KindUnsupportedSource, op, "no object path segment in %q", raw)
	}
	escaped := raw[idx+len("/o/"):]
	if q := strings.IndexAny(escaped, "?#"); q >= 0 {
		escaped = escaped[:q]
	}
	object, err = url.PathUnescape(escaped)
	if err != nil {
		return "", "", errs.E(errs.KindUnsupportedSource, op, fmt.Errorf("failed to decode object path: %w", err))
	}
	if object == "" {
		return "", "", errs.Errorf(errs.KindUnsupportedSource, op, "empty object path in %q", raw)
	}

	bucket = defaultBucket
	if b := strings.Index(raw[:idx], "/b/"); b >= 0 {
		if named := raw[b+len("/b/") : idx]; named != "" {
			bucket = named
		}
	}
	if bucket == "" {
		return "", "", errs.Errorf(errs.KindConfiguration, op, "no storage bucket configured")
	}
	return bucket, object, nil
}

// ObjectStore reads objects from Cloud Storage.
type ObjectStore struct {
	client *storage.Client
}

// NewObjectStore creates a storage client with the given options.
func NewObjectStore(ctx context.Context, opts ...option.ClientOption) (*ObjectStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &ObjectStore{client: client}, nil
}

// ReadObject downloads an object into memory.
func (s *ObjectStore) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	const op = "gcp.ReadObject"

	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("gs://%s/%s: %w", bucket, object, err))
		}
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

func (s *ObjectStore) Close() error {
	return s.client.Close()
}
