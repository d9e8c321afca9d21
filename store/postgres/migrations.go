package postgres

import (
	"context"
	"fmt"
)

// schema is the job table DDL. Idempotent; applied on startup by whichever
// process gets there first.
const schema = `
	CREATE TABLE IF NOT EXISTS stagehand_jobs (
		id              TEXT PRIMARY KEY,
		state           TEXT NOT NULL DEFAULT 'queued',
		content_ref     TEXT NOT NULL,
		preset          TEXT NOT NULL DEFAULT '',
		tts             BOOLEAN NOT NULL DEFAULT FALSE,
		voice           TEXT NOT NULL DEFAULT '',
		accent          TEXT NOT NULL DEFAULT '',
		upload_target   TEXT NOT NULL DEFAULT '',
		dest_database   TEXT NOT NULL DEFAULT '',
		mode            TEXT NOT NULL DEFAULT '',
		owner           TEXT NOT NULL DEFAULT '',
		started_at      TIMESTAMPTZ,
		finished_at     TIMESTAMPTZ,
		error           TEXT NOT NULL DEFAULT '',
		manifest_path   TEXT NOT NULL DEFAULT '',
		external_url    TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_stagehand_jobs_state
		ON stagehand_jobs (state);

	CREATE INDEX IF NOT EXISTS idx_stagehand_jobs_stuck
		ON stagehand_jobs (started_at)
		WHERE state = 'running';

	CREATE INDEX IF NOT EXISTS idx_stagehand_jobs_owner
		ON stagehand_jobs (owner, created_at DESC);
`

// Migrate creates the job table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("stagehand/postgres: migrate: %w", err)
	}
	return nil
}
