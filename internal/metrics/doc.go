// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package metrics defines Prometheus collectors for the supervision core.
//
// All collectors are registered with the default registry via promauto at
// package load. The HTTP server exposes them at /metrics through promhttp.
package metrics
