// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
)

var (
	// ErrMissingAPIKey is returned when no API key can be found.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable not set and no secret file found")

	// ErrNoChoices is returned when the provider answers without content.
	ErrNoChoices = errors.New("model returned no choices")
)

// Image is an inline image attached to a chat request.
type Image struct {
	MIME string
	Data []byte
}

// ChatRequest is one system+user exchange.
type ChatRequest struct {
	System string
	User   string

	// Images are attached to the user message.
	Images []Image

	// JSON asks the provider for a single JSON object response.
	JSON bool

	// Temperature overrides the client default when non-nil.
	Temperature *float32

	// MaxTokens bounds the completion. Zero means provider default.
	MaxTokens int
}

// Client is the narrow interface judges and the diagram classifier use.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}
