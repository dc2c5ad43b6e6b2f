// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repo

import "errors"

var (
	// ErrRepositoryNotFound is returned when the locator is neither a local
	// directory nor a remote URL.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrCloneFailed is returned when git clone fails or times out.
	ErrCloneFailed = errors.New("repository clone failed")

	// ErrMalformedLog is returned for unparseable git log output.
	ErrMalformedLog = errors.New("malformed git log output")
)
