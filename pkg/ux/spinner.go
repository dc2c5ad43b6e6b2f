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
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows progress for a long-running step on w.
//
// When animate is false (pipes, machine mode) the message is printed once
// and Stop prints nothing.
type Spinner struct {
	w       io.Writer
	animate bool
	stop    chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	message    string
	isRunning  bool
	frameIndex int
}

// NewSpinner creates a spinner writing to w. It animates only when the
// session is interactive.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{
		w:       w,
		animate: IsInteractive(),
		message: message,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the spinner.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	msg := s.message
	s.mu.Unlock()

	if !s.animate {
		fmt.Fprintf(s.w, "PROGRESS: %s\n", msg)
		return
	}

	go func() {
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				fmt.Fprint(s.w, "\r\033[K")
				close(s.done)
				return
			case <-ticker.C:
				s.mu.Lock()
				frame := style(Styles.Highlight, spinnerFrames[s.frameIndex])
				s.frameIndex = (s.frameIndex + 1) % len(spinnerFrames)
				msg := s.message
				s.mu.Unlock()
				fmt.Fprintf(s.w, "\r%s %s", frame, msg)
			}
		}
	}()
}

// Stop halts the spinner and clears its line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if !s.animate {
		return
	}
	close(s.stop)
	<-s.done
}

// UpdateMessage changes the message while running.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// WithSpinner runs fn with a spinner on w and reports the result.
func WithSpinner(w io.Writer, message string, fn func() error) error {
	spin := NewSpinner(w, message)
	spin.Start()
	err := fn()
	spin.Stop()
	if err != nil {
		Error(w, fmt.Sprintf("%s: %v", message, err))
		return err
	}
	Success(w, message)
	return nil
}
