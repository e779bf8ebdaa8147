package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/storage/migrations"
)

// Store is the credential store: sealed face references in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	dsn    string
}

func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	sealer, err := NewSealer(cfg.SealKey)
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, sealer: sealer, dsn: cfg.DSN()}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies embedded goose migrations. Uses a separate
// database/sql connection since goose does not speak pgx pools.
func (s *Store) RunMigrations(ctx context.Context) error {
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Upsert seals and stores a new reference, deactivating any prior active
// record for the same (user, backend). Writes for a user are serialized
// with a per-user advisory lock so exactly one active record survives
// concurrent enrollments.
func (s *Store) Upsert(ctx context.Context, userID string, kind match.Kind, encodedRef []byte) (*models.FaceEnrollment, error) {
	sealed, err := s.sealer.Seal(encodedRef)
	if err != nil {
		return nil, fmt.Errorf("seal reference: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE face_enrollments SET active = FALSE
		 WHERE user_id = $1 AND backend_kind = $2 AND active`,
		userID, kind); err != nil {
		return nil, fmt.Errorf("deactivate prior enrollment: %w", err)
	}

	e := &models.FaceEnrollment{
		ID:          uuid.New(),
		UserID:      userID,
		BackendKind: kind,
		Active:      true,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO face_enrollments (id, user_id, backend_kind, sealed_reference, active)
		 VALUES ($1, $2, $3, $4, TRUE) RETURNING created_at`,
		e.ID, e.UserID, e.BackendKind, sealed,
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return e, nil
}

// ActiveReference returns the unsealed encoded reference for the user's
// active enrollment, or match.ErrNotEnrolled.
func (s *Store) ActiveReference(ctx context.Context, userID string, kind match.Kind) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sealed_reference FROM face_enrollments
		 WHERE user_id = $1 AND backend_kind = $2 AND active`,
		userID, kind,
	).Scan(&sealed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, match.ErrNotEnrolled
		}
		return nil, fmt.Errorf("fetch active enrollment: %w", err)
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal reference: %w", err)
	}
	return plain, nil
}

// HasActive reports whether the user has an active enrollment for the
// backend.
func (s *Store) HasActive(ctx context.Context, userID string, kind match.Kind) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM face_enrollments
			WHERE user_id = $1 AND backend_kind = $2 AND active
		)`, userID, kind,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return exists, nil
}

// TouchLastUsed records a successful verification against the active
// record.
func (s *Store) TouchLastUsed(ctx context.Context, userID string, kind match.Kind) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE face_enrollments SET last_used_at = $1
		 WHERE user_id = $2 AND backend_kind = $3 AND active`,
		time.Now(), userID, kind)
	if err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return nil
}

// Deactivate disables the user's active enrollment and returns its
// unsealed reference so the caller can clean up provider-side state.
// Returns match.ErrNotEnrolled when nothing is active.
func (s *Store) Deactivate(ctx context.Context, userID string, kind match.Kind) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`UPDATE face_enrollments SET active = FALSE
		 WHERE user_id = $1 AND backend_kind = $2 AND active
		 RETURNING sealed_reference`,
		userID, kind,
	).Scan(&sealed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, match.ErrNotEnrolled
		}
		return nil, fmt.Errorf("deactivate enrollment: %w", err)
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal reference: %w", err)
	}
	return plain, nil
}

// Get returns the user's active enrollment metadata (no reference bytes).
func (s *Store) Get(ctx context.Context, userID string, kind match.Kind) (*models.FaceEnrollment, error) {
	e := &models.FaceEnrollment{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, backend_kind, active, created_at, last_used_at
		 FROM face_enrollments
		 WHERE user_id = $1 AND backend_kind = $2 AND active`,
		userID, kind,
	).Scan(&e.ID, &e.UserID, &e.BackendKind, &e.Active, &e.CreatedAt, &e.LastUsedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}
