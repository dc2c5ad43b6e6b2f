// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrMissingBucket is returned when a GCS sink has no bucket.
var ErrMissingBucket = errors.New("gcs bucket is required")

// GCSConfig configures the GCS sink.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to object names, e.g. "audits/".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty means application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSSink publishes finished runs as JSON objects.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSSink creates a sink writing to cfg.Bucket.
func NewGCSSink(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Name implements Sink.
func (g *GCSSink) Name() string {
	return "gcs"
}

// ObjectName returns the object a run is written to.
func (g *GCSSink) ObjectName(runID string) string {
	return path.Join(strings.TrimSuffix(g.prefix, "/"), runID+".json")
}

// Publish uploads rec as <prefix>/<run_id>.json.
func (g *GCSSink) Publish(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrInvalidRecord
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.RunID, err)
	}

	name := g.ObjectName(rec.RunID)
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	// Single request upload; run records are small.
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	g.logger.Info("run published",
		slog.String("run_id", rec.RunID),
		slog.String("object", "gs://"+g.bucket+"/"+name),
	)
	return nil
}

// Close releases the storage client.
func (g *GCSSink) Close() error {
	return g.client.Close()
}

var _ Sink = (*GCSSink)(nil)
