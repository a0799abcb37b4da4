// Package sink stores encoded snapshots in object storage buckets so they
// can move between hosts.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrDoesntExist is returned when a key is absent from the bucket.
var ErrDoesntExist = errors.New("doesn't exist")

// BucketSink reads and writes snapshot archives in a gocloud bucket.
type BucketSink struct {
	bucket *blob.Bucket
}

// Resolve returns a sink for uri. "mem://" opens an in-process bucket;
// "file:///dir" or a bare path opens a directory bucket.
func Resolve(ctx context.Context, uri string) (*BucketSink, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse sink uri: %w", err)
	}

	switch parsed.Scheme {
	case memblob.Scheme:
		bucket, err := blob.OpenBucket(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("sink: open bucket: %w", err)
		}
		return &BucketSink{bucket: bucket}, nil
	case fileblob.Scheme, "":
		// fileblob.OpenBucket requires a bare path without 'file://'.
		return newFileblobSink(parsed.Path)
	default:
		return nil, fmt.Errorf("unsupported sink URI scheme: %q", parsed.Scheme)
	}
}

func newFileblobSink(path string) (*BucketSink, error) {
	// fileblob creates missing directories 0777; create the root ourselves.
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat sink path: %w", err)
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}

	bucket, err := fileblob.OpenBucket(path, &fileblob.Options{NoTempDir: true})
	if err != nil {
		return nil, fmt.Errorf("sink: open bucket: %w", err)
	}
	return &BucketSink{bucket: bucket}, nil
}

// Close releases the bucket.
func (s *BucketSink) Close() error {
	if s.bucket == nil {
		return nil
	}
	bucket := s.bucket
	s.bucket = nil
	if err := bucket.Close(); err != nil {
		return fmt.Errorf("sink: close bucket: %w", err)
	}
	return nil
}

// Put stores data under key, replacing any previous object.
func (s *BucketSink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		CacheControl: "no-store, no-transform",
		ContentType:  contentType,
	})
	if err != nil {
		return fmt.Errorf("sink: new writer for %q: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("sink: write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sink: close writer for %q: %w", key, err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *BucketSink) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			err = ErrDoesntExist
		}
		return nil, fmt.Errorf("sink: new reader for %q: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sink: read %q: %w", key, err)
	}
	return data, nil
}

// List returns the keys stored under prefix.
func (s *BucketSink) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("sink: list %q: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
}
