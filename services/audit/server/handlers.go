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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAudit/pkg/validation"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
)

// DefaultListLimit and MaxListLimit bound GET /v1/audit/runs.
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// RunRequest is the body of POST /v1/audit/runs.
type RunRequest struct {
	Repository string `json:"repository"`
	Document   string `json:"document"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreateRun runs an audit and returns its outcome. A run that ends
// on the failure terminal answers 422 with the outcome body.
func (s *Server) handleCreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent audits"})
			return
		}
		defer s.slots.Release(1)
	}

	repo, err := validation.SanitizeLocator(req.Repository, validation.ValidateRepositoryLocator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repository: " + err.Error()})
		return
	}
	doc, err := validation.SanitizeLocator(req.Document, validation.ValidateDocumentPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document: " + err.Error()})
		return
	}

	out, err := s.runner.Run(c.Request.Context(), auditor.Inputs{Repository: repo, Document: doc})
	if err != nil {
		s.logger.Error("audit run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit run failed"})
		return
	}
	if out.FailureReason != "" {
		c.JSON(http.StatusUnprocessableEntity, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.store == nil {
		archiveDisabled(c)
		return
	}
	limit := DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxListLimit)
	}
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []archive.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.store == nil {
		archiveDisabled(c)
		return
	}
	rec, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetWaves(c *gin.Context) {
	if s.store == nil {
		archiveDisabled(c)
		return
	}
	id := c.Param("id")
	if _, err := s.store.GetRun(c.Request.Context(), id); err != nil {
		s.lookupError(c, err)
		return
	}
	waves, err := s.store.Waves(c.Request.Context(), id)
	if err != nil {
		s.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "waves": waves})
}

func (s *Server) lookupError(c *gin.Context, err error) {
	if errors.Is(err, archive.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	s.logger.Error("run lookup failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "run lookup failed"})
}

func archiveDisabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run archive is disabled"})
}
