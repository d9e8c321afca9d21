// Package memory provides a fully in-memory job.Store. Safe for concurrent
// access. Intended for unit testing and development; production deployments
// use store/postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
)

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// InsertJob persists a new job in queued state.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return stagehand.ErrJobAlreadyExists
	}
	cp := j.Snapshot()
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, stagehand.ErrJobNotFound
	}
	cp := j.Snapshot()
	return &cp, nil
}

// UpdateStateAndResult atomically advances a job from expected to next.
// The mutex gives the same predicate-check-and-write atomicity the postgres
// store gets from row-level locking. Returns (nil, nil) on a CAS miss.
func (m *Store) UpdateStateAndResult(_ context.Context, jobID id.JobID, expected, next job.State, patch job.Patch) (*job.Job, error) {
	if err := job.AssertTransition(expected, next); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.State != expected {
		return nil, nil
	}

	j.State = next
	j.UpdatedAt = time.Now().UTC()
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		j.StartedAt = &t
	}
	if patch.FinishedAt != nil {
		t := *patch.FinishedAt
		j.FinishedAt = &t
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	if patch.ManifestPath != nil {
		j.ManifestPath = *patch.ManifestPath
	}
	if patch.ExternalURL != nil {
		j.ExternalURL = *patch.ExternalURL
	}

	cp := j.Snapshot()
	return &cp, nil
}

// ListStuckRunning returns running jobs that started before the cutoff.
func (m *Store) ListStuckRunning(_ context.Context, cutoff time.Time) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stuck []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		cp := j.Snapshot()
		stuck = append(stuck, &cp)
	}
	return stuck, nil
}
