// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package health

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// WatchdogClient calls the remote watchdog's repair endpoint:
//
//	POST /api/watchdog/repair {"service": "<name>"}
//	-> {"success": bool, "online": bool}
//
// with bearer-token auth. Repairs can trigger slow service restarts, so
// the timeout is much longer than a health probe's.
type WatchdogClient struct {
	repairURL  string
	token      string
	httpClient *http.Client
}

// NewWatchdogClient creates a repair client. repairURL is the full
// endpoint URL, e.g. http://10.0.0.5:8700/api/watchdog/repair.
func NewWatchdogClient(repairURL, token string, timeout time.Duration) *WatchdogClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WatchdogClient{
		repairURL: repairURL,
		token:     token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type repairRequest struct {
	Service string `json:"service"`
}

type repairResponse struct {
	Success bool   `json:"success"`
	Online  bool   `json:"online"`
	Error   string `json:"error,omitempty"`
}

// Repair asks the watchdog to repair a managed service and reports
// whether the service is online afterwards.
func (c *WatchdogClient) Repair(ctx context.Context, service string) (bool, error) {
	if c.repairURL == "" {
		return false, fmt.Errorf("watchdog repair endpoint is not configured")
	}
	if c.token == "" {
		return false, fmt.Errorf("watchdog repair token is not configured")
	}

	data, err := json.Marshal(repairRequest{Service: service})
	if err != nil {
		return false, fmt.Errorf("failed to marshal repair request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.repairURL, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to build repair request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("repair request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("repair endpoint returned status %d", resp.StatusCode)
	}

	var out repairResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode repair response: %w", err)
	}
	if !out.Success {
		if out.Error != "" {
			return out.Online, fmt.Errorf("repair failed: %s", out.Error)
		}
		return out.Online, fmt.Errorf("repair failed")
	}
	return out.Online, nil
}
