// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions configure a Google Cloud Storage backend. Without a
// credentials file the application default credentials are used.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
}

type GCSBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (b *GCSBackend) Type() string { return "gcs" }

func (b *GCSBackend) objectName(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *GCSBackend) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	w := b.bucket.Object(b.objectName(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := b.bucket.Object(b.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	return rc, nil
}

func (b *GCSBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := b.bucket.Object(b.objectName(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ObjectInfo{}, ErrNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("gcs stat %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(b.objectName(key)).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("gcs delete %s: %w", key, err)
}

func (b *GCSBackend) List(ctx context.Context, fn func(ObjectInfo) error) error {
	query := &storage.Query{}
	if b.prefix != "" {
		query.Prefix = b.prefix + "/"
	}
	it := b.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gcs list: %w", err)
		}
		key := strings.TrimPrefix(attrs.Name, query.Prefix)
		if err := fn(ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.Updated}); err != nil {
			return err
		}
	}
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
