package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// newDB connects a pgx pool and verifies it with a ping.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConns = 20

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return db, nil
}

// initSchema creates our tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS pg_trgm;

		CREATE TABLE IF NOT EXISTS editions (
			id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			isbn            TEXT NOT NULL UNIQUE,
			work_key        BIGINT,
			title           TEXT NOT NULL,
			authors         JSONB NOT NULL DEFAULT '[]',
			publisher       TEXT,
			publish_year    INT,
			publish_month   INT,
			publish_day     INT,
			pages           INT,
			language        TEXT,
			cover_url       TEXT,
			description     TEXT,
			subjects        TEXT[] NOT NULL DEFAULT '{}',
			related_isbns   TEXT[] NOT NULL DEFAULT '{}',
			external_id     TEXT,
			source_provider TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS editions_related_isbns_idx ON editions USING GIN (related_isbns);
		CREATE INDEX IF NOT EXISTS editions_title_trgm_idx ON editions USING GIN (title gin_trgm_ops);

		CREATE TABLE IF NOT EXISTS authors (
			key             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name            TEXT NOT NULL,
			normalized_name TEXT,
			qid             TEXT,
			work_count      INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS authors_normalized_name_idx ON authors (normalized_name);
		CREATE INDEX IF NOT EXISTS authors_normalized_name_trgm_idx ON authors USING GIN (normalized_name gin_trgm_ops);
		CREATE INDEX IF NOT EXISTS authors_canonical_idx ON authors (normalized_name, work_count DESC);

		CREATE OR REPLACE VIEW canonical_authors AS
			SELECT DISTINCT ON (normalized_name)
				key, name, normalized_name, qid, work_count
			FROM authors
			WHERE normalized_name IS NOT NULL
			ORDER BY normalized_name, work_count DESC, key ASC;

		CREATE TABLE IF NOT EXISTS works (
			key              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			title            TEXT NOT NULL,
			normalized_title TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS works_normalized_title_idx ON works (normalized_title);

		CREATE TABLE IF NOT EXISTS edition_authors (
			edition_id BIGINT NOT NULL,
			author_key BIGINT NOT NULL,
			PRIMARY KEY (edition_id, author_key)
		);
		CREATE TABLE IF NOT EXISTS work_editions (
			work_key   BIGINT NOT NULL,
			edition_id BIGINT NOT NULL,
			PRIMARY KEY (work_key, edition_id)
		);
		CREATE TABLE IF NOT EXISTS work_authors (
			work_key   BIGINT NOT NULL,
			author_key BIGINT NOT NULL,
			PRIMARY KEY (work_key, author_key)
		);

		CREATE TABLE IF NOT EXISTS external_ids (
			entity_type TEXT NOT NULL,
			provider    TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			entity_key  BIGINT NOT NULL,
			confidence  INT NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, provider, provider_id)
		);

		CREATE TABLE IF NOT EXISTS enrichment_log (
			id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			isbn        TEXT NOT NULL,
			providers   TEXT[] NOT NULL DEFAULT '{}',
			outcome     TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			queued      INT NOT NULL DEFAULT 0,
			request_id  TEXT,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS backfill_checkpoints (
			id          TEXT PRIMARY KEY,
			checkpoint  JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}
