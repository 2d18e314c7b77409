// Package controller runs the per-table state machine described in
// spec.md §4.7 (C7): detect a snapshot rotation and reset if needed,
// ensure DDL, run the initial snapshot load exactly once, apply every
// CDC batch since, drop staging, and persist the final status. Every
// transition is idempotent so a crash at any point is safely resumed by
// re-running the table.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbta/dmap-loader/internal/metrics"
	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/qlik/cdcengine"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
	"github.com/mbta/dmap-loader/internal/qlik/snapshot"
	"github.com/mbta/dmap-loader/internal/qlik/status"
	"github.com/mbta/dmap-loader/internal/warehouse"
	"github.com/mbta/dmap-loader/internal/warehouse/ddl"
)

var snapshotDirPattern = regexp.MustCompile(`snapshot=(\d{8}T\d{6}Z)`)

// Config wires everything one Controller needs to run any table.
type Config struct {
	Store       objstore.Client
	Pool        *warehouse.Pool
	StatusStore *status.Store
	Snapshot    *snapshot.Loader
	CDC         *cdcengine.Engine
	Log         *slog.Logger

	ArchiveBucket string
	QLIKRoot      string
	Schema        string
}

// Controller drives one table through the Loaded/Reset/Ready/
// SnapshotLoad/CDCLoad/DropLoad/SaveStatus states spec.md §4.7 diagrams.
type Controller struct {
	cfg Config
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Run drives table through the full per-table lifecycle. Every
// transition is idempotent; a hard failure returns a wrapped error so
// the per-table subprocess (C9) can record it without crashing siblings.
func (c *Controller) Run(ctx context.Context, table string) error {
	opID := uuid.New()
	log := c.cfg.Log.With("table", table, "op_id", opID)
	start := time.Now()

	err := c.run(ctx, log, table)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		log.Error("table run failed", "error", err, "duration", time.Since(start))
	} else {
		log.Info("table run complete", "duration", time.Since(start))
	}
	metrics.TableRunTotal.WithLabelValues(table, outcome).Inc()
	metrics.TableRunDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	return err
}

func (c *Controller) run(ctx context.Context, log *slog.Logger, table string) error {
	latestSnapshotTS, dfmCols, err := c.discoverLatestSnapshot(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to discover latest snapshot: %w", err)
	}

	fact, _, _ := ddl.TripletNames(table)
	initial := status.InitialStatus{
		SnapshotTS:  latestSnapshotTS,
		Schema:      dfmCols,
		DBFactTable: c.cfg.Schema + "." + fact,
	}

	st, err := c.cfg.StatusStore.Load(ctx, table, initial)
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	if st.CurrentSnapshotTS != "" && st.CurrentSnapshotTS != latestSnapshotTS {
		log.Info("snapshot rotated, resetting table", "old_snapshot", st.CurrentSnapshotTS, "new_snapshot", latestSnapshotTS)
		if err := c.reset(ctx, table); err != nil {
			return fmt.Errorf("failed to reset table: %w", err)
		}
		st, err = c.cfg.StatusStore.Load(ctx, table, initial)
		if err != nil {
			return fmt.Errorf("failed to reload status after reset: %w", err)
		}
	}

	cols := dfm.ToColumnSpecs(st.LastSchema)
	for _, stmt := range ddl.CreateTriplet(c.cfg.Schema, table, cols) {
		if _, err := c.cfg.Pool.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure DDL: %w", err)
		}
	}

	if st.LastCDCTS == "" {
		log.Info("running initial snapshot load")
		st, err = c.cfg.Snapshot.Run(ctx, table, cols, st)
		if err != nil {
			return fmt.Errorf("failed snapshot load: %w", err)
		}
	}

	st, err = c.cfg.CDC.Run(ctx, table, st)
	if err != nil {
		return fmt.Errorf("failed cdc load: %w", err)
	}

	_, _, staging := ddl.TripletNames(table)
	if err := c.cfg.Pool.Truncate(ctx, ddl.Qualify(c.cfg.Schema, staging), false, false); err != nil {
		return fmt.Errorf("failed to drop staging contents: %w", err)
	}

	if err := c.cfg.StatusStore.Save(ctx, table, st); err != nil {
		return fmt.Errorf("failed to persist final status: %w", err)
	}
	return nil
}

// reset drops history, truncates fact in place, and deletes the status
// object, so the next Load synthesizes a fresh status from the newly
// rotated snapshot. Staging is left alone and fact's structure (and
// anything depending on it, like a materialized view) survives the
// reset intact — only its rows are cleared.
func (c *Controller) reset(ctx context.Context, table string) error {
	if _, err := c.cfg.Pool.Execute(ctx, ddl.DropHistory(c.cfg.Schema, table)); err != nil {
		return fmt.Errorf("failed to drop history: %w", err)
	}
	fact, _, _ := ddl.TripletNames(table)
	if err := c.cfg.Pool.Truncate(ctx, ddl.Qualify(c.cfg.Schema, fact), true, true); err != nil {
		return fmt.Errorf("failed to truncate fact: %w", err)
	}
	if err := c.cfg.StatusStore.Delete(ctx, table); err != nil {
		return fmt.Errorf("failed to delete status: %w", err)
	}
	return nil
}

// discoverLatestSnapshot finds table's most recent snapshot=<TS>
// directory and parses the schema from its .dfm sidecar.
func (c *Controller) discoverLatestSnapshot(ctx context.Context, table string) (string, []dfm.Column, error) {
	prefix := fmt.Sprintf("%s/%s/", c.cfg.QLIKRoot, table)
	uris, err := c.cfg.Store.List(ctx, c.cfg.ArchiveBucket, prefix, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list snapshot directory: %w", err)
	}

	latest := ""
	for _, u := range uris {
		m := snapshotDirPattern.FindStringSubmatch(u.Key)
		if m == nil {
			continue
		}
		if m[1] > latest {
			latest = m[1]
		}
	}
	if latest == "" {
		return "", nil, fmt.Errorf("no snapshot found for table %s under %s", table, prefix)
	}

	dfmCols, err := c.latestDFM(ctx, table, latest)
	if err != nil {
		return "", nil, err
	}
	return latest, dfmCols, nil
}

func (c *Controller) latestDFM(ctx context.Context, table, snapshotTS string) ([]dfm.Column, error) {
	prefix := fmt.Sprintf("%s/%s/snapshot=%s/", c.cfg.QLIKRoot, table, snapshotTS)
	uris, err := c.cfg.Store.List(ctx, c.cfg.ArchiveBucket, prefix, func(key string) bool {
		return strings.HasSuffix(key, ".dfm")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list schema sidecar: %w", err)
	}
	if len(uris) == 0 {
		return nil, fmt.Errorf("no .dfm schema file found under %s", prefix)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i].Key < uris[j].Key })

	rc, err := c.cfg.Store.Get(ctx, uris[0])
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema sidecar %s: %w", uris[0], err)
	}
	defer rc.Close()
	return dfm.Parse(rc)
}
