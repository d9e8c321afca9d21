package job

import (
	"context"
	"time"

	"github.com/narravox/stagehand/id"
)

// Patch carries the result fields written together with a state change.
// Nil pointers leave the stored value untouched.
type Patch struct {
	// StartedAt is set when entering running.
	StartedAt *time.Time
	// FinishedAt is set when entering a terminal state.
	FinishedAt *time.Time
	// Error records the failure reason when entering failed.
	Error *string
	// ManifestPath references the result manifest on success.
	ManifestPath *string
	// ExternalURL links the record created in an external system.
	ExternalURL *string
}

// Store defines the persistence contract for jobs.
//
// UpdateStateAndResult is the only mutation path for job state. It issues a
// single conditional update guarded by the expected current state; Postgres
// row-level atomicity of the predicate check and write makes transitions
// linearizable per job with no additional locking.
type Store interface {
	// InsertJob persists a new job in queued state.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateStateAndResult atomically advances a job from expected to next,
	// applying the patch in the same write. It returns (nil, nil) when zero
	// rows matched: the job does not exist or another writer already
	// advanced it. Callers must treat that as a lost race: log and stop,
	// never blindly retry, since the winner may already have performed side
	// effects.
	UpdateStateAndResult(ctx context.Context, jobID id.JobID, expected, next State, patch Patch) (*Job, error)

	// ListStuckRunning returns jobs that entered running before the cutoff
	// and never reached a terminal state. Used by the janitor sweep.
	ListStuckRunning(ctx context.Context, cutoff time.Time) ([]*Job, error)
}
