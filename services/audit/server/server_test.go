// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/pkg/extensions"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []auditor.Inputs
	block  chan struct{}
	err    error
}

func (f *fakeRunner) Run(_ context.Context, in auditor.Inputs) (*auditor.Outcome, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	if in.Repository == "" && in.Document == "" {
		return &auditor.Outcome{RunID: "r-fail", FailureReason: auditor.NoArtifactReason}, nil
	}
	return &auditor.Outcome{RunID: "r-ok", Verdict: &state.Verdict{WeightedScore: 2.8, Rung: 3}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAuth(t, h, method, path, body, "")
}

func doAuth(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.Open(archive.InMemoryDBConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHealth(t *testing.T) {
	srv := New(Config{}, &fakeRunner{}, nil, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateRun(t *testing.T) {
	runner := &fakeRunner{}
	srv := New(Config{}, runner, nil, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"repository":" https://example.com/agent.git "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out auditor.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, out.Verdict)
	assert.Equal(t, 2.8, out.Verdict.WeightedScore)
	assert.Equal(t, "https://example.com/agent.git", runner.inputs[0].Repository)
}

func TestCreateRun_FailureTerminal(t *testing.T) {
	srv := New(Config{}, &fakeRunner{}, nil, nil)
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), auditor.NoArtifactReason)
}

func TestCreateRun_Errors(t *testing.T) {
	t.Run("bad body", func(t *testing.T) {
		srv := New(Config{}, &fakeRunner{}, nil, nil)
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"repository":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("runner error", func(t *testing.T) {
		srv := New(Config{}, &fakeRunner{err: errors.New("roster misconfigured")}, nil, nil)
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "roster")
	})
	t.Run("option injection", func(t *testing.T) {
		runner := &fakeRunner{}
		srv := New(Config{}, runner, nil, nil)
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"repository":"--upload-pack=touch /tmp/x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "repository")
		assert.Empty(t, runner.inputs)
	})
	t.Run("remote document", func(t *testing.T) {
		srv := New(Config{}, &fakeRunner{}, nil, nil)
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"document":"https://example.com/r.pdf"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "document")
	})
}

func TestCreateRun_AdmissionLimit(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	srv := New(Config{MaxConcurrentRuns: 1}, runner, nil, nil)

	done := make(chan int)
	go func() {
		done <- do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`).Code
	}()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.inputs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"document":"b.pdf"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	close(runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRunLookups(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, store.Publish(ctx, &archive.RunRecord{
			RunID:     id,
			Graph:     auditor.GraphName,
			StartedAt: time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
			Verdict:   &state.Verdict{WeightedScore: 3, Rung: 3},
		}))
	}
	require.NoError(t, store.AppendWave(ctx, dag.WaveRecord{RunID: "run-b", Index: 0}))
	srv := New(Config{}, &fakeRunner{}, store, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/v1/audit/runs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []archive.RunSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-b", list.Runs[0].RunID)

	rec = do(t, h, http.MethodGet, "/v1/audit/runs/run-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-a"`)

	rec = do(t, h, http.MethodGet, "/v1/audit/runs/run-b/waves", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"waves":[`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/audit/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/audit/runs/missing/waves", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/audit/runs?limit=zero", "").Code)
}

func TestRunLookups_ArchiveDisabled(t *testing.T) {
	srv := New(Config{}, &fakeRunner{}, nil, nil)
	for _, path := range []string{"/v1/audit/runs", "/v1/audit/runs/x", "/v1/audit/runs/x/waves"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), http.MethodGet, path, "").Code, path)
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, &fakeRunner{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAuth(t *testing.T) {
	authn, err := extensions.NewTokenAuthProvider([]byte("tok-auditor"))
	require.NoError(t, err)
	runner := &fakeRunner{}
	srv := New(Config{}, runner, newStore(t), nil, WithAuth(authn, nil))
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec = do(t, h, http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAuth(t, h, http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, runner.inputs)

	rec = doAuth(t, h, http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`, "tok-auditor")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doAuth(t, h, http.MethodGet, "/v1/audit/runs", "", "tok-auditor")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_ViewerCannotRun(t *testing.T) {
	authn, err := extensions.NewTokenAuthProvider([]byte("tok-viewer"), extensions.RoleViewer)
	require.NoError(t, err)
	srv := New(Config{}, &fakeRunner{}, newStore(t), nil, WithAuth(authn, nil))

	rec := doAuth(t, srv.Handler(), http.MethodPost, "/v1/audit/runs", `{"document":"a.pdf"}`, "tok-viewer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAuth(t, srv.Handler(), http.MethodGet, "/v1/audit/runs", "", "tok-viewer")
	assert.Equal(t, http.StatusOK, rec.Code)
}
