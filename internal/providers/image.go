// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ImageClient speaks the txt2img HTTP API of a locally hosted generative
// image service. Generation can take minutes on a cold model, so the
// client timeout is much larger than a health probe's.
type ImageClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewImageClient creates a client for a local image-generation service.
func NewImageClient(name, baseURL string, timeout time.Duration) *ImageClient {
	return &ImageClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the configured provider name.
func (c *ImageClient) Name() string { return c.name }

// Local always reports true; the image service runs on the overlay network.
func (c *ImageClient) Local() bool { return true }

type imageAPIRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
	Seed           int64  `json:"seed"`
}

type imageAPIResponse struct {
	Images []string `json:"images"`
}

// GenerateImage submits a txt2img request and waits for the result.
func (c *ImageClient) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: image provider has no base URL", ErrNotConfigured)
	}

	body := imageAPIRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
	}
	if body.Width == 0 {
		body.Width = 1024
	}
	if body.Height == 0 {
		body.Height = 1024
	}
	if body.Steps == 0 {
		body.Steps = 20
	}
	if body.Seed == 0 {
		body.Seed = -1 // provider picks a random seed
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(c.name, resp)
	}

	var out imageAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode image response: %w", c.name, err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%s: response contained no images", c.name)
	}

	return &ImageResponse{Images: out.Images}, nil
}
