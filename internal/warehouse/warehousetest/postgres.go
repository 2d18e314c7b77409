// Package warehousetest stands up a disposable Postgres container for
// integration tests, adapted from the teacher's api/testing/postgres.go
// (testcontainers-go/modules/postgres) for the warehouse package instead
// of the teacher's pgx-over-sql.DB API layer.
package warehousetest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DBConfig configures the test container.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) setDefaults() {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
}

// DB wraps a running Postgres testcontainer.
type DB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the connection string for the running container.
func (db *DB) ConnStr() string { return db.connStr }

// Close terminates the container.
func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate postgres container", "error", err)
	}
}

// New starts a Postgres testcontainer, retrying a handful of times on
// flaky container-runtime errors.
func New(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	cfg.setDefaults()

	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			break
		}
		lastErr = err
		if isRetryableContainerErr(err) && attempt < 3 {
			time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
			continue
		}
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start postgres container after retries: %w", lastErr)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &DB{log: log, connStr: connStr, container: container}, nil
}

// RequireNew is the testify-flavored constructor used directly from test
// functions: it calls t.Fatal on any setup error and registers cleanup.
func RequireNew(t *testing.T, cfg *DBConfig) *DB {
	t.Helper()
	db, err := New(t.Context(), slog.Default(), cfg)
	require.NoError(t, err, "failed to start postgres testcontainer")
	t.Cleanup(db.Close)
	return db
}

func isRetryableContainerErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
