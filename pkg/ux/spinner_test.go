// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSpinner_NonInteractive(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	s := NewSpinner(&buf, "auditing")
	s.Start()
	s.Start()
	s.UpdateMessage("still auditing")
	s.Stop()
	s.Stop()

	if got := buf.String(); got != "PROGRESS: auditing\n" {
		t.Errorf("output = %q", got)
	}
}

func TestSpinner_Animated(t *testing.T) {
	withLevel(t, PersonalityFull)

	var buf syncBuffer
	s := NewSpinner(&buf, "auditing")
	s.animate = true
	s.Start()
	s.Stop()

	if !strings.HasSuffix(buf.String(), "\r\033[K") {
		t.Errorf("spinner did not clear its line: %q", buf.String())
	}
}

func TestWithSpinner(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	if err := WithSpinner(&buf, "clone", func() error { return nil }); err != nil {
		t.Fatalf("WithSpinner() error = %v", err)
	}
	if !strings.Contains(buf.String(), "OK: clone") {
		t.Errorf("missing success line: %q", buf.String())
	}

	buf.Reset()
	boom := errors.New("boom")
	if err := WithSpinner(&buf, "clone", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithSpinner() error = %v, want boom", err)
	}
	if !strings.Contains(buf.String(), "ERROR: clone: boom") {
		t.Errorf("missing error line: %q", buf.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
