package job

import (
	"time"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be picked up by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished and produced a result manifest.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed and will not run again.
	StateFailed State = "failed"
)

// IsTerminal reports whether s is a terminal state. Once a job reaches a
// terminal state no further transition is ever applied.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Params are the processing parameters captured at submission time and
// handed verbatim to the rendering pipeline.
type Params struct {
	// ContentRef locates the source content to render.
	ContentRef string `json:"content_ref"`
	// Preset names the rendering preset.
	Preset string `json:"preset,omitempty"`
	// TTS enables speech synthesis for the content.
	TTS bool `json:"tts,omitempty"`
	// Voice and Accent select the synthesis voice.
	Voice  string `json:"voice,omitempty"`
	Accent string `json:"accent,omitempty"`
	// UploadTarget names the destination for rendered assets.
	UploadTarget string `json:"upload_target,omitempty"`
	// Database names the destination database for the result record.
	Database string `json:"database,omitempty"`
	// Mode selects the pipeline mode.
	Mode string `json:"mode,omitempty"`
	// Owner identifies the submitter; used for rate limiting.
	Owner string `json:"owner,omitempty"`
}

// Job is the persisted record for one submitted unit of work.
// Postgres is the sole source of truth; everything else observes snapshots.
type Job struct {
	stagehand.Entity

	ID     id.JobID `json:"id"`
	State  State    `json:"state"`
	Params Params   `json:"params"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error holds the failure reason when State is failed.
	Error string `json:"error,omitempty"`

	// ManifestPath references the rendered result manifest.
	ManifestPath string `json:"manifest_path,omitempty"`

	// ExternalURL links the record created in an external system.
	ExternalURL string `json:"external_url,omitempty"`
}

// New creates a queued job with a fresh ID and timestamps.
func New(params Params) *Job {
	return &Job{
		Entity: stagehand.NewEntity(),
		ID:     id.NewJobID(),
		State:  StateQueued,
		Params: params,
	}
}

// Snapshot returns a copy of the job safe to hand to event listeners.
func (j *Job) Snapshot() Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}
