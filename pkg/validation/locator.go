// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities.
//
// This package contains validators for user-provided artifact locators that
// end up as subprocess arguments (git clone) or file paths. Using these
// validators prevents option injection and control-character smuggling.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// MaxLocatorLength bounds any locator.
const MaxLocatorLength = 2048

// ErrInvalidLocator is wrapped by every validation failure.
var ErrInvalidLocator = errors.New("invalid locator")

// remoteSchemes are the URL schemes git may be asked to clone.
var remoteSchemes = map[string]bool{
	"https": true,
	"http":  true,
	"ssh":   true,
	"git":   true,
	"file":  true,
}

// ValidateRepositoryLocator validates a repository URL or local path.
//
// Valid locators:
//   - URLs with an https, http, ssh, git or file scheme and a host or path
//   - scp-style remotes such as git@github.com:org/repo.git
//   - local paths
//
// Rejected everywhere: empty input, a leading "-" (read by git as an
// option), remote helper syntax such as "ext::cmd", control characters
// and anything longer than MaxLocatorLength.
//
// Example:
//
//	if err := validation.ValidateRepositoryLocator(loc); err != nil {
//	    return nil, fmt.Errorf("repository: %w", err)
//	}
//	// Safe to pass to git clone after "--"
func ValidateRepositoryLocator(locator string) error {
	if err := validateCommon(locator); err != nil {
		return err
	}
	if strings.Contains(locator, "::") {
		return fmt.Errorf("%w: remote helper transports are not allowed: %q", ErrInvalidLocator, locator)
	}
	if !strings.Contains(locator, "://") {
		return nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return fmt.Errorf("%w: unparseable url %q", ErrInvalidLocator, locator)
	}
	if !remoteSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}
	if u.Host == "" && u.Path == "" {
		return fmt.Errorf("%w: url %q has neither host nor path", ErrInvalidLocator, locator)
	}
	return nil
}

// ValidateDocumentPath validates a document path.
func ValidateDocumentPath(path string) error {
	if err := validateCommon(path); err != nil {
		return err
	}
	if strings.Contains(path, "://") {
		return fmt.Errorf("%w: documents must be local files, got %q", ErrInvalidLocator, path)
	}
	return nil
}

// SanitizeLocator trims surrounding whitespace and validates the result
// with check. An empty input stays empty and is not an error, since
// either artifact may be omitted.
//
//	repo, err := validation.SanitizeLocator(req.Repository, validation.ValidateRepositoryLocator)
func SanitizeLocator(locator string, check func(string) error) (string, error) {
	trimmed := strings.TrimSpace(locator)
	if trimmed == "" {
		return "", nil
	}
	if err := check(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("%w: locator cannot be empty", ErrInvalidLocator)
	}
	if len(s) > MaxLocatorLength {
		return fmt.Errorf("%w: locator longer than %d bytes", ErrInvalidLocator, MaxLocatorLength)
	}
	if strings.HasPrefix(s, "-") {
		return fmt.Errorf("%w: locator must not start with '-': %q", ErrInvalidLocator, s)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: locator contains control characters: %q", ErrInvalidLocator, s)
		}
	}
	return nil
}
