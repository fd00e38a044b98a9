package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrObjectNotFound is returned by Get when the key does not exist
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists is returned by Put when the key is already taken
	ErrObjectExists = errors.New("object already exists")
)

// ObjectStore is the durable home of committed batches
type ObjectStore interface {
	// Put stores size bytes read from body under key. An existing object is
	// never replaced; Put fails with ErrObjectExists instead.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Location describes where key lives, for logs and schema locations
	Location(key string) string
}

// ParseS3URL splits s3://bucket/key into its bucket and key
func ParseS3URL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %s", url)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must name a bucket and key: %s", url)
	}
	return bucket, key, nil
}

// ReadAll fetches a whole object into memory
func ReadAll(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}
