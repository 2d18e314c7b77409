// Command dmap-loader is the pipeline's entrypoint (spec.md §4.9, C9). Run
// with no flags, it drives one full pass: guard, migrate, every DMAP job,
// then every QLIK table, each in its own subprocess. Run with --table, it
// drives only that one table's controller, the mode the parent process
// uses to isolate each table's crash blast radius from its siblings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/obs/logger"
	"github.com/mbta/dmap-loader/internal/pipeline"
	"github.com/mbta/dmap-loader/internal/qlik/cdcengine"
	"github.com/mbta/dmap-loader/internal/qlik/controller"
	"github.com/mbta/dmap-loader/internal/qlik/snapshot"
	"github.com/mbta/dmap-loader/internal/qlik/status"
	"github.com/mbta/dmap-loader/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load a local .env file for dev convenience, same as the teacher's
	// go.mod carries godotenv for. A missing file is not an error; the
	// process environment (and any orchestrator-injected vars) always
	// wins in production.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	tableFlag := flag.String("table", "", "run only this QLIK table's controller (used internally for per-table subprocess isolation)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	cfg, err := pipeline.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: env}); err != nil {
			log.Error("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			defer func() {
				if r := recover(); r != nil {
					sentry.CurrentHub().Recover(r)
					sentry.Flush(2 * time.Second)
					panic(r)
				}
			}()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *tableFlag != "" {
		return runTable(ctx, log, cfg, *tableFlag)
	}

	return runPipeline(ctx, log, cfg)
}

// runPipeline is the normal top-level mode: health/ready/metrics server
// runs for the lifetime of one pipeline pass (spec.md §4.9), then the
// process exits 0 regardless of individual job/table failures. An error
// returned by pipeline.Run is fatal: that covers the guard, the migration
// to head, and opening the warehouse.
func runPipeline(ctx context.Context, log *slog.Logger, cfg *pipeline.Config) error {
	srv := server.New(log, server.Config{ListenAddr: cfg.ListenAddr})

	serverCtx, stopServer := context.WithCancel(ctx)
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- srv.Run(serverCtx) }()

	runErr := pipeline.Run(ctx, log, cfg, pipeline.NoopInstanceGuard{})
	srv.SetReady(runErr == nil)

	stopServer()
	if err := <-serverErrCh; err != nil {
		log.Error("server shutdown error", "error", err)
	}

	return runErr
}

// runTable drives a single table's controller to completion, the mode
// the parent process's QLIK subprocess isolation re-invokes this binary
// with.
func runTable(ctx context.Context, log *slog.Logger, cfg *pipeline.Config, table string) error {
	store, err := objstore.NewS3Client(ctx, log, cfg.DBRegion)
	if err != nil {
		return fmt.Errorf("failed to build object store client: %w", err)
	}

	pool, err := pipeline.OpenWarehouse(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer pool.Close()

	statusStore := status.NewStore(store, cfg.ArchiveBucket, cfg.QLIKRoot)

	ctrl := controller.New(controller.Config{
		Store:       store,
		Pool:        pool,
		StatusStore: statusStore,
		Snapshot: snapshot.New(snapshot.Config{
			Store:         store,
			Pool:          pool,
			StatusStore:   statusStore,
			Log:           log,
			ArchiveBucket: cfg.ArchiveBucket,
			QLIKRoot:      cfg.QLIKRoot,
			Schema:        cfg.WarehouseSchema,
		}),
		CDC: cdcengine.New(cdcengine.Config{
			Store:         store,
			Pool:          pool,
			StatusStore:   statusStore,
			Log:           log,
			ArchiveBucket: cfg.ArchiveBucket,
			QLIKRoot:      cfg.QLIKRoot,
			Schema:        cfg.WarehouseSchema,
		}),
		Log:           log,
		ArchiveBucket: cfg.ArchiveBucket,
		QLIKRoot:      cfg.QLIKRoot,
		Schema:        cfg.WarehouseSchema,
	})

	return ctrl.Run(ctx, table)
}
