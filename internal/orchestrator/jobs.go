// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/averled/maestro/internal/logging"
)

// ErrJobNotFound is returned when a job ID is unknown or already pruned.
var ErrJobNotFound = errors.New("job not found")

// Job kinds
const (
	JobKindText     = "text"
	JobKindImage    = "image"
	JobKindWorkflow = "workflow"
)

// Job statuses
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one tracked AI request: who asked, what kind, and how it ended.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Platform  string    `json:"platform,omitempty"`
	Requester string    `json:"requester,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (j *Job) terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobStore tracks jobs in memory. Terminal jobs are pruned by the janitor
// once they age past the retention window.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
}

// NewJobStore creates a store that retains terminal jobs for the given
// duration.
func NewJobStore(retention time.Duration) *JobStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &JobStore{
		jobs:      make(map[string]*Job),
		retention: retention,
	}
}

// Create registers a new pending job and returns a copy.
func (s *JobStore) Create(kind, platform, requester string) Job {
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    JobStatusPending,
		Platform:  platform,
		Requester: requester,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return *job
}

// SetRunning transitions a job to running.
func (s *JobStore) SetRunning(id string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobStatusRunning
	})
}

// Complete marks a job completed with its result payload.
func (s *JobStore) Complete(id, result string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobStatusCompleted
		j.Result = result
	})
}

// Fail marks a job failed with the error message.
func (s *JobStore) Fail(id, errMsg string) error {
	return s.update(id, func(j *Job) {
		j.Status = JobStatusFailed
		j.Error = errMsg
	})
}

func (s *JobStore) update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns copies of all jobs, newest first.
func (s *JobStore) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Prune removes terminal jobs older than the retention window and returns
// the number removed. Pending and running jobs are never pruned.
func (s *JobStore) Prune() int {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes on the given interval until the context is canceled.
func (s *JobStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := s.Prune(); removed > 0 {
				logging.Debug().Int("removed", removed).Msg("Pruned expired jobs")
			}
		}
	}
}
