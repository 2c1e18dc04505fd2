// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// Controller starts and stops the supervised service.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RemoteController drives the service through the watchdog's control
// surface on the service's host. Start maps to the repair action, which
// performs the watchdog's full stop/settle/start/re-probe sequence; the
// surface exposes no separate stop action, so Stop is a logged no-op and
// restart semantics come entirely from repair.
type RemoteController struct {
	serviceName string
	repairURL   string
	token       string
	httpClient  *http.Client
}

// NewRemoteController creates a controller for the named service behind
// the given watchdog repair endpoint.
func NewRemoteController(serviceName, repairURL, token string, timeout time.Duration) *RemoteController {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RemoteController{
		serviceName: serviceName,
		repairURL:   repairURL,
		token:       token,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Start asks the remote watchdog to bring the service up.
func (c *RemoteController) Start(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"service": c.serviceName})
	if err != nil {
		return fmt.Errorf("failed to encode repair request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.repairURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build repair request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("repair request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool   `json:"success"`
		Online  bool   `json:"online"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode repair response (status %d): %w", resp.StatusCode, err)
	}
	if !result.Success {
		return fmt.Errorf("remote start failed for %s: %s", c.serviceName, result.Error)
	}
	return nil
}

// Stop is a no-op: the control surface has no stop action, and the repair
// action used for Start already stops a running instance first.
func (c *RemoteController) Stop(ctx context.Context) error {
	logging.Debug().
		Str("service", c.serviceName).
		Msg("Remote control surface has no stop action, relying on repair to cycle the service")
	return nil
}
