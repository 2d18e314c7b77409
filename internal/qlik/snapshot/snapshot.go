// Package snapshot is the initial-load path (spec.md §4.6, C6): taken
// once per table, the first time its status has no LastCDCTS, it copies
// every snapshot CSV straight into staging, stamps synthetic CDC headers
// on the rows so they fold into the same history/fact shape a CDC batch
// would produce, and then hands off to the CDC engine for everything
// after. Grounded on internal/warehouse + internal/objstore (C1/C2), a
// straight port of spec.md §4.6 onto the triplet DDL already built for
// C3.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/qlik/status"
	"github.com/mbta/dmap-loader/internal/warehouse"
	"github.com/mbta/dmap-loader/internal/warehouse/ddl"
)

// Config configures the snapshot loader, shared across every table.
type Config struct {
	Store         objstore.Client
	Pool          *warehouse.Pool
	StatusStore   *status.Store
	Log           *slog.Logger
	ArchiveBucket string
	QLIKRoot      string
	Schema        string
}

// Loader implements the initial-load path taken when a table's status has
// an empty LastCDCTS.
type Loader struct {
	cfg Config
}

// New builds a Loader from cfg.
func New(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

func snapshotPrefix(qlikRoot, table, snapshotTS string) string {
	return fmt.Sprintf("%s/%s/snapshot=%s/", qlikRoot, table, snapshotTS)
}

// Run loads every snapshot CSV for table under st.CurrentSnapshotTS,
// stamps synthetic CDC headers into staging, populates history and fact,
// and returns the updated status with LastCDCTS = "0" (spec.md §4.6).
func (l *Loader) Run(ctx context.Context, table string, cols []ddl.ColumnSpec, st status.Status) (status.Status, error) {
	fact, history, staging := ddl.TripletNames(table)
	factQN := ddl.Qualify(l.cfg.Schema, fact)
	historyQN := ddl.Qualify(l.cfg.Schema, history)
	stagingQN := ddl.Qualify(l.cfg.Schema, staging)

	for _, stmt := range ddl.CreateHistoryPartitions(l.cfg.Schema, table, parseSnapshotTS(st.CurrentSnapshotTS)) {
		if _, err := l.cfg.Pool.Execute(ctx, stmt); err != nil {
			return st, fmt.Errorf("failed to create history partitions: %w", err)
		}
	}

	if err := l.cfg.Pool.Truncate(ctx, stagingQN, false, false); err != nil {
		return st, fmt.Errorf("failed to truncate staging: %w", err)
	}

	prefix := snapshotPrefix(l.cfg.QLIKRoot, table, st.CurrentSnapshotTS)
	files, err := l.cfg.Store.List(ctx, l.cfg.ArchiveBucket, prefix, func(key string) bool {
		return strings.HasSuffix(key, ".csv.gz")
	})
	if err != nil {
		return st, fmt.Errorf("failed to list snapshot files: %w", err)
	}

	dataCols := ddl.ColumnNames(cols)
	for _, f := range files {
		if _, err := l.cfg.Pool.CopyFromObjectStore(ctx, l.cfg.Store, f, stagingQN, dataCols); err != nil {
			return st, fmt.Errorf("failed to copy snapshot file %s: %w", f, err)
		}
	}

	changeSeq := changeSeqForSnapshot(st.CurrentSnapshotTS)
	stampSQL := fmt.Sprintf(
		`UPDATE %s SET header__timestamp = to_timestamp(%s, 'YYYYMMDDTHH24MISSZ'), header__change_oper = 'L', header__change_seq = %s WHERE header__timestamp IS NULL`,
		stagingQN, quoteLiteral(st.CurrentSnapshotTS), changeSeq,
	)
	if _, err := l.cfg.Pool.Execute(ctx, stampSQL); err != nil {
		return st, fmt.Errorf("failed to stamp synthetic CDC headers: %w", err)
	}

	allCols := append(append([]string{}, ddl.CDCColumns...), dataCols...)
	if _, err := l.cfg.Pool.Execute(ctx, ddl.BulkInsertFromTemp(historyQN, stagingQN, allCols)); err != nil {
		return st, fmt.Errorf("failed to populate history: %w", err)
	}
	if _, err := l.cfg.Pool.Execute(ctx, ddl.BulkInsertFromTemp(factQN, stagingQN, dataCols)); err != nil {
		return st, fmt.Errorf("failed to populate fact: %w", err)
	}

	if err := l.cfg.Pool.VacuumAnalyze(ctx, historyQN); err != nil {
		return st, fmt.Errorf("failed to vacuum history: %w", err)
	}
	if err := l.cfg.Pool.VacuumAnalyze(ctx, factQN); err != nil {
		return st, fmt.Errorf("failed to vacuum fact: %w", err)
	}

	st = st.WithCDCTS("0")
	if err := l.cfg.StatusStore.Save(ctx, table, st); err != nil {
		return st, fmt.Errorf("failed to persist status after snapshot load: %w", err)
	}
	return st, nil
}

func parseSnapshotTS(ts string) time.Time {
	t, err := time.Parse("20060102T150405Z", ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// changeSeqForSnapshot derives the synthetic header__change_seq for every
// row loaded from a snapshot: the snapshot timestamp's digits, right-
// padded with zeros to the 35-digit width of the CHANGE_SEQ column, so a
// snapshot row always sorts before any later real CDC row that shares its
// key (spec.md §4.6).
func changeSeqForSnapshot(snapshotTS string) string {
	var digits strings.Builder
	for _, r := range snapshotTS {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if len(s) < 35 {
		s += strings.Repeat("0", 35-len(s))
	}
	return s
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
