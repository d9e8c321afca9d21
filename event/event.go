// Package event provides job lifecycle notifications: a local in-process
// bus with filtered subscriptions, and a Redis pub/sub bridge that fans
// events out to every other process sharing the Redis instance.
//
// Events are best-effort observability. Delivery failures never affect the
// persisted job state, and listeners must tolerate missing or duplicate
// events by re-reading the store when exactness matters.
package event

import (
	"github.com/narravox/stagehand/job"
)

// Type names a job lifecycle event.
type Type string

const (
	// TypeJobCreated fires once when a job is accepted and persisted.
	TypeJobCreated Type = "job_created"
	// TypeJobStateChanged fires on every successful state transition.
	TypeJobStateChanged Type = "job_state_changed"
)

// Event carries a snapshot of the job as it was at publish time. Listeners
// own their copy; mutating it affects nothing.
type Event struct {
	Type Type    `json:"type"`
	Job  job.Job `json:"job"`
}

// NewJobCreated builds a creation event from the persisted job.
func NewJobCreated(j *job.Job) Event {
	return Event{Type: TypeJobCreated, Job: j.Snapshot()}
}

// NewJobStateChanged builds a transition event from the persisted job.
func NewJobStateChanged(j *job.Job) Event {
	return Event{Type: TypeJobStateChanged, Job: j.Snapshot()}
}
