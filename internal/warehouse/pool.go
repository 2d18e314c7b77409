// Package warehouse is the connection/operation adapter described in
// spec.md §4.2 (C2): pooled connections, transactional execute/select,
// bulk CSV.gz COPY, truncate/vacuum, and schema/table existence checks.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbta/dmap-loader/internal/metrics"
)

// CredentialSource returns a fresh (username, password) pair. When the
// configured static password is empty, this is invoked on every new
// physical connection (pgxpool's BeforeConnect hook) so short-lived
// credentials (e.g. an IAM auth token) never go stale inside the pool.
type CredentialSource func(ctx context.Context) (username, password string, err error)

// Config configures the pool. Host/Port/Database/Username are always
// required; Password may be empty if Credentials is set.
type Config struct {
	Host        string
	Port        string
	Database    string
	Username    string
	Password    string
	SSLMode     string
	Credentials CredentialSource

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheckPeriod time.Duration
}

func (c *Config) setDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = time.Minute
	}
}

// Pool wraps a *pgxpool.Pool with the higher-level operations the loader
// needs. It is safe for concurrent use.
type Pool struct {
	log *slog.Logger
	db  *pgxpool.Pool
}

// Open parses cfg, builds a pgxpool.Pool with keepalive and health-check
// pre-ping settings, and pings it once before returning. If cfg.Password
// is empty, a BeforeConnect hook resolves fresh credentials from
// cfg.Credentials on every new physical connection.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*Pool, error) {
	cfg.setDefaults()

	password := cfg.Password
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	if cfg.Password == "" && cfg.Credentials != nil {
		poolConfig.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
			user, pass, err := cfg.Credentials(ctx)
			if err != nil {
				return fmt.Errorf("failed to refresh warehouse credentials: %w", err)
			}
			connCfg.User = user
			connCfg.Password = pass
			return nil
		}
	}

	log.Info("connecting to warehouse", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse pool: %w", err)
	}

	if err := db.Ping(dialCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	log.Info("connected to warehouse")
	return &Pool{log: log, db: db}, nil
}

// FromPgxPool wraps an already-constructed pgxpool.Pool, used by tests
// that stand up a testcontainers postgres instance directly.
func FromPgxPool(log *slog.Logger, db *pgxpool.Pool) *Pool {
	return &Pool{log: log, db: db}
}

// Close releases every connection in the pool.
func (p *Pool) Close() {
	p.db.Close()
}

// Raw exposes the underlying pgxpool.Pool for callers (goose migrations,
// tests) that need direct access.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.db
}

// Execute runs a single auto-committed statement and returns the number of
// rows affected.
func (p *Pool) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := p.db.Exec(ctx, sql, args...)
	p.observe(start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to execute statement: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Row is a single named-field result row.
type Row map[string]any

// Select runs a query expected to return at most one row.
func (p *Pool) Select(ctx context.Context, sql string, args ...any) (Row, error) {
	start := time.Now()
	rows, err := p.db.Query(ctx, sql, args...)
	p.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := rowToMap(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

// SelectList runs a query and returns every row.
func (p *Pool) SelectList(ctx context.Context, sql string, args ...any) ([]Row, error) {
	start := time.Now()
	rows, err := p.db.Query(ctx, sql, args...)
	p.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := rowToMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func rowToMap(rows pgx.Rows) (Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}
	fields := rows.FieldDescriptions()
	row := make(Row, len(fields))
	for i, f := range fields {
		row[string(f.Name)] = values[i]
	}
	return row, nil
}

func (p *Pool) observe(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.WarehouseQueryTotal.WithLabelValues(status).Inc()
	metrics.WarehouseQueryDuration.Observe(time.Since(start).Seconds())
}

// Truncate empties table, optionally restarting identity sequences and
// cascading to dependent tables.
func (p *Pool) Truncate(ctx context.Context, table string, restartIdentity, cascade bool) error {
	sql := "TRUNCATE TABLE " + table
	if restartIdentity {
		sql += " RESTART IDENTITY"
	}
	if cascade {
		sql += " CASCADE"
	}
	_, err := p.Execute(ctx, sql)
	return err
}

// VacuumAnalyze runs VACUUM ANALYZE on table. Must run outside a
// transaction; pgx's simple Exec on the pool satisfies that.
func (p *Pool) VacuumAnalyze(ctx context.Context, table string) error {
	_, err := p.Execute(ctx, "VACUUM ANALYZE "+table)
	return err
}

// SchemaExists reports whether the named schema exists, creating it first
// if createIfMissing is set.
func (p *Pool) SchemaExists(ctx context.Context, name string, createIfMissing bool) (bool, error) {
	row, err := p.Select(ctx, `SELECT 1 FROM information_schema.schemata WHERE schema_name = $1`, name)
	if err != nil {
		return false, err
	}
	if row != nil {
		return true, nil
	}
	if !createIfMissing {
		return false, nil
	}
	if _, err := p.Execute(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(name))); err != nil {
		return false, fmt.Errorf("failed to create schema %s: %w", name, err)
	}
	return true, nil
}

// TableExists reports whether schema.name exists.
func (p *Pool) TableExists(ctx context.Context, schema, name string) (bool, error) {
	row, err := p.Select(ctx, `SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`, schema, name)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
