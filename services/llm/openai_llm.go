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
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// DefaultSecretPath is where container deployments mount the API key.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey is moved into an encrypted enclave and wiped from this slice.
	APIKey []byte

	// Model, e.g. "gpt-4o". Defaults to "gpt-4o".
	Model string

	// BaseURL overrides the API endpoint (proxies, tests).
	BaseURL string

	// Temperature is the default sampling temperature.
	Temperature float32

	// RequestsPerSecond limits outbound calls across all goroutines.
	// Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Defaults to 1.
	Burst int
}

// OpenAIClient implements Client with the OpenAI chat completions API.
//
// Thread Safety:
//
//	Safe for concurrent use. Judges of one wave share a client and its
//	rate limiter.
type OpenAIClient struct {
	key         *memguard.Enclave
	model       string
	baseURL     string
	temperature float32
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// LoadAPIKey reads OPENAI_API_KEY, falling back to secretPath.
func LoadAPIKey(secretPath string) ([]byte, error) {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		return []byte(key), nil
	}
	if secretPath == "" {
		secretPath = DefaultSecretPath
	}
	data, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, ErrMissingAPIKey
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	return []byte(key), nil
}

// NewOpenAIClient creates a client. The key in cfg is sealed and wiped.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if len(cfg.APIKey) == 0 {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	logger.Info("initializing OpenAI client", slog.String("model", cfg.Model))
	return &OpenAIClient{
		key:         memguard.NewEnclave(cfg.APIKey),
		model:       cfg.Model,
		baseURL:     cfg.BaseURL,
		temperature: cfg.Temperature,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Chat sends one chat completion request.
//
// Description:
//
//	Waits on the shared rate limiter, unseals the key only for the
//	duration of the call, and returns the first choice's content.
func (o *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	key, err := o.key.Open()
	if err != nil {
		return "", fmt.Errorf("open api key enclave: %w", err)
	}
	defer key.Destroy()

	conf := openai.DefaultConfig(key.String())
	if o.baseURL != "" {
		conf.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(conf)

	creq := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			userMessage(req),
		},
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	o.logger.Debug("sending chat completion",
		slog.String("model", o.model),
		slog.Int("images", len(req.Images)),
		slog.Bool("json", req.JSON),
	)
	resp, err := client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	o.logger.Debug("received chat completion",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

func userMessage(req ChatRequest) openai.ChatCompletionMessage {
	if len(req.Images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User}
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.User}}
	for _, img := range req.Images {
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				Detail: openai.ImageURLDetailLow,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

var _ Client = (*OpenAIClient)(nil)
