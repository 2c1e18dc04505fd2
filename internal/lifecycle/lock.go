// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
)

// ErrLockHeld is returned when another supervisor created the lock file
// between our staleness check and our acquisition attempt.
var ErrLockHeld = errors.New("lock file held by another supervisor")

// LockInfo is the advisory lock file contents. The lock records who is
// supervising the service, not who is running it; it exists so two
// supervisors on the same host do not race each other through a cold
// start.
type LockInfo struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartTime time.Time `json:"startTime"`
	Version   string    `json:"version"`
}

// readLock returns the parsed lock file, or (nil, nil) when no lock
// exists. A lock file that cannot be parsed is reported as an error so
// the caller can decide whether to clobber it.
func readLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// acquireLock creates the lock file exclusively. Creation fails with
// ErrLockHeld when the file already exists, which closes most of the
// check-then-create race window.
//
// Known limitation: the staleness check and the acquisition are not one
// atomic step. Two supervisors that both observe a stale lock can both
// remove it, and the O_EXCL create then serializes them, but a third
// observer in between can still see no lock at all. The advisory lock is
// a coordination aid, not a mutual-exclusion guarantee.
func acquireLock(path string, info LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock info: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// releaseLock removes the lock file. A missing file is not an error;
// release is unconditional on shutdown.
func releaseLock(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
