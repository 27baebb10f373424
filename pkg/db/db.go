// Package db owns database connectivity: the pgx pool used for
// migrations and operational queries, and the gorm handle the artifact
// store runs on.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "memtriage/pkg/db/migrations"
)

// DefaultTimeout bounds operational queries so hung calls do not leak
// connections.
const DefaultTimeout = 5 * time.Second

// Open creates a pgx connection pool for the DSN and verifies it.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Simple protocol keeps goose compatible.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenGorm opens the gorm handle the Postgres artifact store uses.
// TranslateError maps unique violations to gorm.ErrDuplicatedKey, which
// the store relies on for running-job registration.
func OpenGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
}

// Migrate runs all registered migrations against the pool's database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil pool provided")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	connString := pool.Config().ConnConfig.ConnString()
	sqlDB, err := goose.OpenDBWithDriver("pgx", connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return goose.UpContext(ctx, sqlDB, "migrations")
}

// Stats summarizes stored volume for the stats endpoint.
type Stats struct {
	Dumps         int64 `db:"dumps"`
	Jobs          int64 `db:"jobs"`
	RunningJobs   int64 `db:"running_jobs"`
	Artifacts     int64 `db:"artifacts"`
	ArtifactBytes int64 `db:"artifact_bytes"`
}

// LoadStats reads current row and byte counts.
func LoadStats(ctx context.Context, pool *pgxpool.Pool) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var s Stats
	err := pgxscan.Get(ctx, pool, &s, `
		SELECT
			(SELECT COUNT(*) FROM dumps) AS dumps,
			(SELECT COUNT(*) FROM analysis_jobs) AS jobs,
			(SELECT COUNT(*) FROM analysis_jobs WHERE status = 'running') AS running_jobs,
			(SELECT COUNT(*) FROM artifacts) AS artifacts,
			(SELECT COALESCE(SUM(bytes), 0) FROM artifacts) AS artifact_bytes`)
	return s, err
}

// Ping checks reachability with the default timeout.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Ping(ctx)
}

// WithTimeout runs fn under a custom deadline.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
