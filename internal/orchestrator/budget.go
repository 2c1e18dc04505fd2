// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package orchestrator

import (
	"errors"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
)

// ErrBudgetExceeded is returned when a metered request would push the
// day's cloud spend past the configured ceiling. Callers must be able to
// tell this apart from provider failures, so it is never wrapped inside a
// generic routing error.
var ErrBudgetExceeded = errors.New("daily cloud budget exceeded")

const spendKeyPrefix = "spend:"

// Ledger tracks cloud provider spend per UTC day and enforces the daily
// ceiling. A ceiling of zero disables the gate. When a badger DB is
// given, the day's running total survives restarts; otherwise the ledger
// is purely in-memory and a restart forgives earlier spend.
type Ledger struct {
	db      *badger.DB
	ceiling float64

	mu    sync.Mutex
	day   string
	spent float64
	now   func() time.Time
}

// NewLedger creates a ledger with the given daily ceiling in USD. db may
// be nil for in-memory accounting.
func NewLedger(db *badger.DB, ceilingUSD float64) *Ledger {
	l := &Ledger{
		db:      db,
		ceiling: ceilingUSD,
		now:     time.Now,
	}
	l.mu.Lock()
	l.rolloverLocked()
	l.mu.Unlock()
	return l
}

// Allow reports whether a metered request may proceed. It is checked
// before the provider is called, so a request that would be rejected
// never reaches the cloud API.
func (l *Ledger) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	if l.ceiling > 0 && l.spent >= l.ceiling {
		metrics.BudgetRejections.Inc()
		logging.Warn().
			Float64("spent_usd", l.spent).
			Float64("ceiling_usd", l.ceiling).
			Msg("Request rejected, daily budget exceeded")
		return ErrBudgetExceeded
	}
	return nil
}

// Add records cost against the current day's total.
func (l *Ledger) Add(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	l.spent += costUSD
	metrics.DailySpend.Set(l.spent)
	l.persistLocked()
}

// Spent returns the current day's accumulated spend in USD.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.spent
}

// Ceiling returns the configured daily ceiling in USD.
func (l *Ledger) Ceiling() float64 {
	return l.ceiling
}

// rolloverLocked resets the running total when the UTC day changes and
// loads any persisted total for the new day. Callers hold l.mu.
func (l *Ledger) rolloverLocked() {
	day := l.now().UTC().Format("2006-01-02")
	if day == l.day {
		return
	}
	l.day = day
	l.spent = l.loadLocked(day)
	metrics.DailySpend.Set(l.spent)
}

func (l *Ledger) persistLocked() {
	if l.db == nil {
		return
	}
	key := []byte(spendKeyPrefix + l.day)
	value := []byte(strconv.FormatFloat(l.spent, 'f', -1, 64))
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to persist spend ledger")
	}
}

func (l *Ledger) loadLocked(day string) float64 {
	if l.db == nil {
		return 0
	}
	var spent float64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(spendKeyPrefix + day))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseFloat(string(val), 64)
			if perr != nil {
				return perr
			}
			spent = parsed
			return nil
		})
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		logging.Warn().Err(err).Str("day", day).Msg("Failed to load spend ledger, starting from zero")
	}
	return spent
}
