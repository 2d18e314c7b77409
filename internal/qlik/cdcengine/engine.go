package cdcengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/qlik/status"
	"github.com/mbta/dmap-loader/internal/warehouse"
)

// Config configures one Engine instance, shared across every table run.
type Config struct {
	Store       objstore.Client
	Pool        *warehouse.Pool
	StatusStore *status.Store
	Log         *slog.Logger

	ArchiveBucket string
	QLIKRoot      string
	Schema        string

	// MaxFolderFiles/MaxFolderBytes are the digest-folder flush
	// thresholds: a folder is loaded once it holds more than
	// MaxFolderFiles files or more than MaxFolderBytes bytes (spec.md
	// §4.5). Defaulted to 5000 files / 60MB.
	MaxFolderFiles int
	MaxFolderBytes int64

	// DownloadBatchSize is how many CDC files are downloaded
	// concurrently between flush checks. Defaulted to 10.
	DownloadBatchSize int

	// Hosted selects the download worker-pool size (see WorkerCount).
	Hosted bool
}

func (c *Config) setDefaults() {
	if c.MaxFolderFiles == 0 {
		c.MaxFolderFiles = 5000
	}
	if c.MaxFolderBytes == 0 {
		c.MaxFolderBytes = 60 * 1024 * 1024
	}
	if c.DownloadBatchSize == 0 {
		c.DownloadBatchSize = 10
	}
}

// Engine is the CDC batch engine described in spec.md §4.5.
type Engine struct {
	cfg Config
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{cfg: cfg}
}

// run holds the mutable state of a single Engine.Run call: the table
// being processed and its status, which advances one digest folder at a
// time.
type run struct {
	*Engine
	table  string
	status status.Status
	log    *slog.Logger
}

// Run discovers and applies every CDC file newer than st.LastCDCTS for
// table, folder by folder, returning the updated status. A folder that
// fails verification or apply is logged and skipped (spec.md §4.5
// "Failure semantics"); a schema conflict is fatal for the table and
// aborts the run immediately.
func (e *Engine) Run(ctx context.Context, table string, st status.Status) (status.Status, error) {
	opID := uuid.New()
	log := e.cfg.Log.With("table", table, "op_id", opID, "component", "cdcengine")

	files, err := Discover(ctx, e.cfg.Store, e.cfg.ArchiveBucket, e.cfg.QLIKRoot, table, st.CurrentSnapshotTS, st.LastCDCTS)
	if err != nil {
		return st, err
	}
	if len(files) == 0 {
		log.Debug("no new CDC files")
		return st, nil
	}
	log.Info("discovered CDC files", "count", len(files))

	tempDir, err := os.MkdirTemp("", "dmap-loader-cdc-*")
	if err != nil {
		return st, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	r := &run{Engine: e, table: table, status: st, log: log}

	if err := r.downloadAndPartition(ctx, files, tempDir); err != nil {
		return r.status, err
	}
	if err := r.flushAll(ctx, tempDir, 0, 0); err != nil {
		return r.status, err
	}

	return r.status, nil
}
