package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
)

const jobColumns = `
	id, state,
	content_ref, preset, tts, voice, accent, upload_target, dest_database, mode, owner,
	started_at, finished_at, error, manifest_path, external_url,
	created_at, updated_at`

// InsertJob persists a new job in queued state.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	return s.withRetry(ctx, "insert_job", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO stagehand_jobs (
				id, state,
				content_ref, preset, tts, voice, accent, upload_target, dest_database, mode, owner,
				started_at, finished_at, error, manifest_path, external_url,
				created_at, updated_at
			) VALUES (
				$1, $2,
				$3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16,
				$17, $18
			)`,
			j.ID.String(), string(j.State),
			j.Params.ContentRef, j.Params.Preset, j.Params.TTS, j.Params.Voice,
			j.Params.Accent, j.Params.UploadTarget, j.Params.Database, j.Params.Mode, j.Params.Owner,
			j.StartedAt, j.FinishedAt, j.Error, j.ManifestPath, j.ExternalURL,
			j.CreatedAt, j.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return stagehand.ErrJobAlreadyExists
			}
			return fmt.Errorf("stagehand/postgres: insert job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j *job.Job
	err := s.withRetry(ctx, "get_job", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM stagehand_jobs WHERE id = $1`,
			jobID.String(),
		)
		scanned, err := scanJob(row)
		if err != nil {
			return err
		}
		j = scanned
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stagehand.ErrJobNotFound
		}
		return nil, fmt.Errorf("stagehand/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateStateAndResult atomically advances a job from expected to next,
// applying the patch in the same write. A single conditional UPDATE makes
// the predicate check and write atomic; zero rows matched means the job is
// missing or another writer won the race, reported as (nil, nil).
func (s *Store) UpdateStateAndResult(ctx context.Context, jobID id.JobID, expected, next job.State, patch job.Patch) (*job.Job, error) {
	if err := job.AssertTransition(expected, next); err != nil {
		return nil, err
	}

	var j *job.Job
	err := s.withRetry(ctx, "update_state", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE stagehand_jobs SET
				state = $3,
				started_at = COALESCE($4, started_at),
				finished_at = COALESCE($5, finished_at),
				error = COALESCE($6, error),
				manifest_path = COALESCE($7, manifest_path),
				external_url = COALESCE($8, external_url),
				updated_at = NOW()
			WHERE id = $1 AND state = $2
			RETURNING `+jobColumns,
			jobID.String(), string(expected), string(next),
			patch.StartedAt, patch.FinishedAt, patch.Error, patch.ManifestPath, patch.ExternalURL,
		)
		scanned, err := scanJob(row)
		if err != nil {
			return err
		}
		j = scanned
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// CAS miss: benign race, the caller logs and stops.
			return nil, nil
		}
		return nil, fmt.Errorf("stagehand/postgres: update state: %w", err)
	}
	return j, nil
}

// ListStuckRunning returns running jobs that started before the cutoff.
func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	var jobs []*job.Job
	err := s.withRetry(ctx, "list_stuck_running", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+jobColumns+`
			FROM stagehand_jobs
			WHERE state = 'running'
			  AND started_at IS NOT NULL
			  AND started_at < $1
			ORDER BY started_at ASC`,
			cutoff,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		collected, err := collectJobs(rows)
		if err != nil {
			return err
		}
		jobs = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stagehand/postgres: list stuck running: %w", err)
	}
	return jobs, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j        job.Job
		idStr    string
		stateStr string
	)
	err := row.Scan(
		&idStr, &stateStr,
		&j.Params.ContentRef, &j.Params.Preset, &j.Params.TTS, &j.Params.Voice,
		&j.Params.Accent, &j.Params.UploadTarget, &j.Params.Database, &j.Params.Mode, &j.Params.Owner,
		&j.StartedAt, &j.FinishedAt, &j.Error, &j.ManifestPath, &j.ExternalURL,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("stagehand/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
