// Package postgres provides a PostgreSQL storage.ArtifactStore backed by
// pgx/v5 connection pooling. Artifacts are stored as BYTEA keyed by driver
// id and model hint.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/drivercore/pkg/storage"
)

// Store is a PostgreSQL-backed ArtifactStore.
type Store struct {
	pool   *pgxpool.Pool
	maxAge time.Duration
}

var _ storage.ArtifactStore = (*Store)(nil)

// New connects to PostgreSQL. When cfg.MigrateOnStart is set, pending schema
// migrations are applied before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, maxAge: cfg.MaxAge}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// Get returns the artifact for driverID and modelHint. Artifacts older
// than MaxAge are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, driverID, modelHint string) (*storage.Record, error) {
	rec := &storage.Record{DriverID: driverID, ModelHint: modelHint}
	err := s.pool.QueryRow(ctx, `
		SELECT format, version, content, created_at
		FROM spec_artifacts
		WHERE driver_id = $1 AND model_hint = $2
		  AND ($3::interval IS NULL OR updated_at > now() - $3::interval)
	`, driverID, modelHint, s.ageLimit()).Scan(&rec.Format, &rec.Version, &rec.Content, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	return rec, nil
}

// Put upserts rec.
func (s *Store) Put(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO spec_artifacts (driver_id, model_hint, format, version, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (driver_id, model_hint) DO UPDATE SET
			format = EXCLUDED.format,
			version = EXCLUDED.version,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at,
			updated_at = now()
	`, rec.DriverID, rec.ModelHint, rec.Format, rec.Version, rec.Content, createdAt)
	if err != nil {
		return fmt.Errorf("upserting artifact: %w", err)
	}
	return nil
}

// DeleteDriver removes all artifacts of a driver.
func (s *Store) DeleteDriver(ctx context.Context, driverID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM spec_artifacts WHERE driver_id = $1`, driverID)
	if err != nil {
		return 0, fmt.Errorf("deleting artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns a driver's artifacts ordered by model hint.
func (s *Store) List(ctx context.Context, driverID string) ([]*storage.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model_hint, format, version, content, created_at
		FROM spec_artifacts
		WHERE driver_id = $1
		ORDER BY model_hint
	`, driverID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		rec := &storage.Record{DriverID: driverID}
		if err := rows.Scan(&rec.ModelHint, &rec.Format, &rec.Version, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifacts: %w", err)
	}
	return out, nil
}

// Prune deletes artifacts older than MaxAge and returns how many were
// removed. It is a no-op when MaxAge is zero.
func (s *Store) Prune(ctx context.Context) (int, error) {
	limit := s.ageLimit()
	if limit == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM spec_artifacts WHERE updated_at <= now() - $1::interval`, limit)
	if err != nil {
		return 0, fmt.Errorf("pruning artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ageLimit returns MaxAge as a postgres interval literal, or nil.
func (s *Store) ageLimit() *string {
	if s.maxAge <= 0 {
		return nil
	}
	v := fmt.Sprintf("%d milliseconds", s.maxAge.Milliseconds())
	return &v
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
