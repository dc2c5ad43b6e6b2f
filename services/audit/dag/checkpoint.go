// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointVersion is the current checkpoint format version (semver).
const CheckpointVersion = "1.0.0"

// Checkpoint is a run result persisted to disk with an integrity checksum.
type Checkpoint struct {
	Result    *Result   `json:"result"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
}

// computeChecksum hashes everything except the checksum itself.
func computeChecksum(result *Result, timestamp time.Time, version string) (string, error) {
	data, err := json.Marshal(struct {
		Result    *Result   `json:"result"`
		Timestamp time.Time `json:"timestamp"`
		Version   string    `json:"version"`
	}{result, timestamp, version})
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalized returns a copy of r with every timestamp in UTC so the
// checksum survives a JSON round trip.
func normalized(r *Result) *Result {
	cp := *r
	cp.Waves = make([]WaveRecord, len(r.Waves))
	for i, w := range r.Waves {
		w.StartedAt = w.StartedAt.UTC().Round(0)
		w.Nodes = append([]NodeReport(nil), w.Nodes...)
		cp.Waves[i] = w
	}
	if r.State != nil {
		st := r.State.Clone()
		cp.State = &st
	}
	return &cp
}

// SaveCheckpoint writes result to path.
//
// Description:
//
//	Serializes the final state and wave log of a run together with a
//	SHA-256 checksum. Writes atomically using temp file + rename.
//
// Inputs:
//
//	path   - Destination file. Parent directory must exist.
//	result - The run result. Must not be nil.
//
// Outputs:
//
//	error - Non-nil if serialization or file write fails.
func SaveCheckpoint(path string, result *Result) error {
	if result == nil {
		return fmt.Errorf("%w: result must not be nil", ErrInvalidInput)
	}
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	r := normalized(result)
	timestamp := time.Now().UTC().Round(0)
	checksum, err := computeChecksum(r, timestamp, CheckpointVersion)
	if err != nil {
		return fmt.Errorf("compute checksum: %w", err)
	}

	data, err := json.MarshalIndent(&Checkpoint{
		Result:    r,
		Timestamp: timestamp,
		Version:   CheckpointVersion,
		Checksum:  checksum,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	ok = true
	return nil
}

// LoadCheckpoint reads and verifies a checkpoint.
//
// Outputs:
//
//	*Checkpoint - The verified checkpoint.
//	error       - Read or parse failure, ErrCheckpointVersionMismatch or
//	              ErrCheckpointCorrupt.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCheckpointVersionMismatch, cp.Version, CheckpointVersion)
	}
	if !cp.Verify() {
		return nil, ErrCheckpointCorrupt
	}
	return &cp, nil
}

// Verify recomputes the checksum and compares it to the stored value.
func (c *Checkpoint) Verify() bool {
	if c == nil || c.Result == nil {
		return false
	}
	want, err := computeChecksum(c.Result, c.Timestamp, c.Version)
	if err != nil {
		return false
	}
	return c.Checksum == want
}
