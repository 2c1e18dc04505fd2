// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package watchdog

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	json "github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// Severity classifies an alert.
type Severity string

// Alert severities
const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityRecovered Severity = "recovered"
)

// Alert is the webhook payload sent on service state changes.
type Alert struct {
	Type         string       `json:"type"`
	Service      string       `json:"service"`
	Severity     Severity     `json:"severity"`
	Message      string       `json:"message"`
	Timestamp    time.Time    `json:"timestamp"`
	State        ServiceState `json:"state"`
	RestartCount int          `json:"restartCount"`
}

// Alerter delivers alerts. Delivery is best-effort; failures are logged
// and never block the watchdog.
type Alerter interface {
	Send(ctx context.Context, alert Alert)
}

// WebhookAlerter posts alerts as JSON to a configured webhook URL,
// rate-limited so a flapping service cannot flood the receiver.
type WebhookAlerter struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWebhookAlerter creates an alerter for the given webhook URL.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// One alert per 10s sustained, bursts of 5.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
}

// Send posts the alert. Alerts beyond the rate limit are dropped with a
// log line rather than queued.
func (a *WebhookAlerter) Send(ctx context.Context, alert Alert) {
	if !a.limiter.Allow() {
		logging.Warn().
			Str("service", alert.Service).
			Str("severity", string(alert.Severity)).
			Msg("Alert dropped, rate limit exceeded")
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		logging.Warn().Err(err).Str("service", alert.Service).Msg("Alert webhook unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Warn().
			Int("status", resp.StatusCode).
			Str("service", alert.Service).
			Msg("Alert webhook rejected payload")
	}
}
