// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package objectstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/domain"
)

// Open builds a registry with one backend per storage config entry.
func Open(ctx context.Context, storages []domain.StorageConfig, opts ...Option) (*Registry, error) {
	reg := NewRegistry(opts...)
	for _, sc := range storages {
		backend, err := newBackend(ctx, sc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("storage %s: %w", sc.ID, err)
		}
		reg.Register(sc.ID, backend, BackendOptions{
			RequestsPerSecond: sc.RequestsPerSecond,
			VerifyCopies:      sc.VerifyCopies,
		})
		log.Info().Str("storage", sc.ID).Str("type", sc.Type).Msg("objectstore: registered backend")
	}
	return reg, nil
}

func newBackend(ctx context.Context, sc domain.StorageConfig) (Backend, error) {
	switch sc.Type {
	case "local":
		return NewLocalBackend(sc.Path)
	case "s3":
		return NewS3Backend(ctx, S3Options{
			Bucket:          sc.Bucket,
			Prefix:          sc.Prefix,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UsePathStyle:    sc.UsePathStyle,
		})
	case "gcs":
		return NewGCSBackend(ctx, GCSOptions{
			Bucket:          sc.Bucket,
			Prefix:          sc.Prefix,
			CredentialsFile: sc.CredentialsFile,
			Endpoint:        sc.Endpoint,
		})
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", sc.Type)
	}
}
