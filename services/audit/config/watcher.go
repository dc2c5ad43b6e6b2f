// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce batches the bursts of events editors produce on
// save.
const DefaultReloadDebounce = 250 * time.Millisecond

// ErrNoSource is returned when watching a config that was not loaded from
// a file.
var ErrNoSource = errors.New("config has no source file to watch")

// ReloadHandler receives each successfully reloaded configuration.
type ReloadHandler func(cfg *Config)

// Watcher reloads a configuration file when it changes.
//
// Description:
//
//	Watches the file's directory rather than the file, so atomic
//	rename-on-save keeps working. Events are debounced. A reload that
//	fails to read or validate is logged and the previous configuration
//	stays in effect.
//
// Thread Safety:
//
//	Start and Stop are safe for concurrent use. The handler is called
//	from a single goroutine.
type Watcher struct {
	path     string
	handler  ReloadHandler
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	watching bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for path.
//
// Inputs:
//
//	path     - The config file. Must be non-empty.
//	handler  - Called with every valid reload. Must not be nil.
//	logger   - Logger for reload failures. Nil means slog.Default().
//	debounce - Quiet period before reloading. Zero uses DefaultReloadDebounce.
//
// Outputs:
//
//	*Watcher - The watcher, not yet started.
//	error    - ErrNoSource for an empty path, or an fsnotify failure.
func NewWatcher(path string, handler ReloadHandler, logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, ErrNoSource
	}
	if handler == nil {
		return nil, errors.New("config watcher: handler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		handler:  handler,
		logger:   logger,
		debounce: debounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; watching stops on Stop
// or when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watching = true
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(ctx, w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous configuration",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.handler(cfg)
}
