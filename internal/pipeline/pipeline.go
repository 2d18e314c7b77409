package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/mbta/dmap-loader/internal/dmap"
	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/warehouse"
)

// Run drives one full pipeline pass per spec.md §4.9: validate the
// environment (already done by LoadFromEnv), guard against a second
// parallel instance, migrate to head, run every DMAP job, then run every
// QLIK table in its own subprocess. Individual job/table failures are
// logged and do not stop the pipeline; only pre-flight failures return a
// non-zero exit.
func Run(ctx context.Context, log *slog.Logger, cfg *Config, guard InstanceGuard) error {
	if cloudEnv() {
		if err := GuardAgainstParallelInstances(ctx, guard, cfg.ECSCluster, cfg.ECSTaskGroup); err != nil {
			return fmt.Errorf("parallel instance guard failed: %w", err)
		}
	}

	if err := MigrateToHead(log, cfg); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	pool, err := OpenWarehouse(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer pool.Close()

	runDMAPJobs(ctx, log, cfg, pool)
	runQLIKTables(ctx, log, cfg)

	if err := refreshMaterializedViews(ctx, log, pool, cfg.WarehouseSchema); err != nil {
		log.Error("failed to refresh materialized views", "error", err)
	}

	return nil
}

// OpenWarehouse builds the warehouse pool cfg describes, wiring the RDS
// IAM token source in place of a static password when DB_PASSWORD is
// unset. Exported so both the top-level Run and the per-table subprocess
// entrypoint (cmd/dmap-loader's --table mode) connect identically.
func OpenWarehouse(ctx context.Context, log *slog.Logger, cfg *Config) (*warehouse.Pool, error) {
	whCfg := warehouse.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Database: cfg.DBName,
		Username: cfg.DBUser,
		Password: cfg.DBPassword,
	}
	if whCfg.Password == "" && cfg.DBRegion != "" {
		whCfg.Credentials = rdsAuthTokenSource(cfg.DBRegion, cfg.DBHost, cfg.DBPort, cfg.DBUser)
	}
	return warehouse.Open(ctx, log, whCfg)
}

// runDMAPJobs runs every configured DMAP job sequentially; each job's
// failure is logged and doesn't stop the remaining jobs (spec.md §4.9:
// "jobs are run serially", §7: job failures are logged, not propagated).
func runDMAPJobs(ctx context.Context, log *slog.Logger, cfg *Config, pool *warehouse.Pool) {
	client := dmap.New(dmap.Config{
		BaseURL:       cfg.DMAPBaseURL,
		PublicKey:     cfg.DMAPPublicKey,
		ControlledKey: cfg.DMAPControlled,
		RateLimit:     cfg.DMAPRateLimit,
		RateBurst:     cfg.DMAPRateBurst,
	})
	loader := dmap.NewLoader(dmap.LoaderConfig{Client: client, Pool: pool, Log: log})

	for _, job := range cfg.DMAPJobs {
		jobLog := log.With("url", job.URL, "table", job.Table)
		start := time.Now()
		if err := loader.Load(ctx, job.URL, job.Table); err != nil {
			wrapped := &errs.URLError{URL: job.URL, Err: err}
			jobLog.Error("dmap job failed", "error", wrapped, "duration", time.Since(start))
			sentry.CaptureException(wrapped)
			continue
		}
		jobLog.Info("dmap job complete", "duration", time.Since(start))
	}
}

// runQLIKTables runs every configured QLIK table sequentially, each in
// its own subprocess (spec.md §4.9, §5's "per-table isolation"): a crash
// in one table's controller can't take the pipeline or sibling tables
// down with it.
func runQLIKTables(ctx context.Context, log *slog.Logger, cfg *Config) {
	self, err := os.Executable()
	if err != nil {
		log.Error("failed to resolve own executable for table subprocess", "error", err)
		return
	}

	for _, table := range cfg.QLIKTables {
		tableLog := log.With("table", table)
		start := time.Now()

		cmd := exec.CommandContext(ctx, self, "--table", table)
		cmd.Env = tableSubprocessEnv(table)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			wrapped := &errs.TableError{Table: table, Err: err}
			tableLog.Error("qlik table subprocess failed", "error", wrapped, "duration", time.Since(start))
			sentry.CaptureException(wrapped)
			continue
		}
		tableLog.Info("qlik table complete", "duration", time.Since(start))
	}
}

// tableSubprocessEnv pares the current environment down to what a single
// table's controller needs, dropping anything relating to other tables or
// DMAP jobs.
func tableSubprocessEnv(table string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "DMAP_JOBS=") || strings.HasPrefix(kv, "QLIK_TABLES=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "QLIK_TABLES="+table)
}
