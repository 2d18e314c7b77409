package cdcengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
	"github.com/mbta/dmap-loader/internal/warehouse"
	"github.com/mbta/dmap-loader/internal/warehouse/ddl"
)

// loadFolder is spec.md §4.5 steps 1-8 for a single digest folder: merge
// its files, verify the schema, copy the merge into staging, then apply
// it to history and fact in the fixed insert→update→delete order (the
// resolution to the spec's Open Question on CDC ordering — see
// DESIGN.md). Returns the largest CDC timestamp observed among files.
func (r *run) loadFolder(ctx context.Context, dir string, files []string) (string, error) {
	maxTS := ""
	for _, f := range files {
		ts, err := ExtractCDCTS(filepath.Base(f))
		if err != nil {
			continue
		}
		if ts > maxTS {
			maxTS = ts
		}
	}

	mergedPath := filepath.Join(dir, "cdc_merged.csv")
	header, err := mergeCSVGzFiles(files, mergedPath)
	if err != nil {
		return "", fmt.Errorf("failed to merge folder: %w", err)
	}

	dfmCols, err := r.loadSidecarSchema(ctx, files[0])
	if err != nil {
		return "", fmt.Errorf("failed to load schema sidecar: %w", err)
	}
	if !dfm.HasAllCDCColumns(dfmCols) {
		return "", fmt.Errorf("schema sidecar is missing required CDC columns")
	}

	diff := dfm.CompareSchemas(r.status.LastSchema, dfmCols)
	if len(diff.Changed) > 0 {
		return "", fmt.Errorf("%w: columns %s", errs.ErrSchemaConflict, strings.Join(diff.Changed, ","))
	}
	if len(diff.NewColumns) > 0 {
		if err := r.extendSchema(ctx, diff.NewColumns); err != nil {
			return "", err
		}
	}

	colSpecs := dfm.ToColumnSpecs(r.status.LastSchema)
	fact, history, staging := ddl.TripletNames(r.table)
	factQN := ddl.Qualify(r.cfg.Schema, fact)
	historyQN := ddl.Qualify(r.cfg.Schema, history)
	stagingQN := ddl.Qualify(r.cfg.Schema, staging)

	if err := r.cfg.Pool.Truncate(ctx, stagingQN, false, false); err != nil {
		return "", fmt.Errorf("failed to truncate staging: %w", err)
	}
	if _, err := r.cfg.Pool.CopyFromCSVGz(ctx, warehouse.LocalFile(mergedPath, false), stagingQN, header); err != nil {
		return "", fmt.Errorf("failed to copy merged CDC batch into staging: %w", err)
	}

	if _, err := r.cfg.Pool.Execute(ctx, fmt.Sprintf("DELETE FROM %s WHERE header__change_oper = 'B'", stagingQN)); err != nil {
		return "", fmt.Errorf("failed to drop before-image rows: %w", err)
	}

	dataCols := ddl.ColumnNames(colSpecs)
	allCols := append(append([]string{}, ddl.CDCColumns...), dataCols...)
	if _, err := r.cfg.Pool.Execute(ctx, ddl.BulkInsertFromTemp(historyQN, stagingQN, allCols)); err != nil {
		return "", fmt.Errorf("failed to append to history: %w", err)
	}

	// Apply insert → update → delete, in that fixed order (DESIGN.md Open
	// Question #1): an I that is superseded by a same-batch U/D still
	// lands correctly because the later phases re-derive their rows
	// straight from staging rather than from fact's current contents.
	if _, err := r.cfg.Pool.Execute(ctx, ddl.BulkInsertFromTempWhere(factQN, stagingQN, dataCols, "header__change_oper = 'I'")); err != nil {
		return "", fmt.Errorf("failed to apply inserts: %w", err)
	}

	keyCols := ddl.KeyColumns(colSpecs)
	keyNames := ddl.ColumnNames(keyCols)
	opKeys := make([]ddl.OpKeyPair, len(keyCols))
	for i, k := range keyCols {
		opKeys[i] = ddl.OpKeyPair{Column: k.Name, Nullable: k.Nullable}
	}

	for _, c := range colSpecs {
		if c.PrimaryKeyPos > 0 {
			continue
		}
		if err := r.applyColumnUpdate(ctx, stagingQN, factQN, c, keyNames, opKeys); err != nil {
			return "", err
		}
	}

	if err := r.applyDelete(ctx, stagingQN, factQN, keyNames, opKeys); err != nil {
		return "", err
	}

	if err := r.cfg.Pool.VacuumAnalyze(ctx, historyQN); err != nil {
		r.log.Warn("vacuum analyze history failed", "error", err)
	}
	if err := r.cfg.Pool.VacuumAnalyze(ctx, factQN); err != nil {
		r.log.Warn("vacuum analyze fact failed", "error", err)
	}

	return maxTS, nil
}

// loadSidecarSchema fetches the .dfm sidecar matching sampleLocalFile's
// CDC data file — same basename, ".dfm" extension in place of
// ".csv.gz" — and parses its column list.
func (r *run) loadSidecarSchema(ctx context.Context, sampleLocalFile string) ([]dfm.Column, error) {
	base := filepath.Base(sampleLocalFile)
	dfmBase := strings.TrimSuffix(base, ".csv.gz") + ".dfm"
	key := cdcPrefix(r.cfg.QLIKRoot, r.table, r.status.CurrentSnapshotTS) + dfmBase
	uri := objstore.URI{Bucket: r.cfg.ArchiveBucket, Key: key}

	rc, err := r.cfg.Store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema sidecar %s: %w", uri, err)
	}
	defer rc.Close()

	return dfm.Parse(rc)
}

// extendSchema runs the ADD COLUMN statements for newCols against all
// three triplet tables and persists the extended schema to status, so a
// crash between DDL and status-save is recovered by replaying the same
// (idempotent) ADD COLUMN statements next run.
func (r *run) extendSchema(ctx context.Context, newCols []dfm.Column) error {
	specs := dfm.ToColumnSpecs(newCols)
	for _, stmt := range ddl.AddColumns(r.cfg.Schema, r.table, specs) {
		if _, err := r.cfg.Pool.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column: %w", err)
		}
	}
	r.status = r.status.AppendColumns(newCols)
	if err := r.cfg.StatusStore.Save(ctx, r.table, r.status); err != nil {
		return fmt.Errorf("failed to persist status after schema extension: %w", err)
	}
	return nil
}

// applyColumnUpdate applies the 'U' rows of one non-key column: it first
// reduces staging to the latest (by header__change_seq), non-null row per
// key tuple into a temp table, then runs a single UPDATE ... FROM against
// fact (spec.md §4.5 steps 6).
func (r *run) applyColumnUpdate(ctx context.Context, stagingQN, factQN string, col ddl.ColumnSpec, keyNames []string, opKeys []ddl.OpKeyPair) error {
	tempName := tempTableName("cdc_upd", col.Name)
	where := fmt.Sprintf("header__change_oper = 'U' AND %s IS NOT NULL", ddl.QuoteIdent(col.Name))
	dedupSQL := ddl.DedupLatestIntoTemp(tempName, stagingQN, keyNames, []string{col.Name}, where)
	if _, err := r.cfg.Pool.Execute(ctx, dedupSQL); err != nil {
		return fmt.Errorf("failed to stage update batch for column %s: %w", col.Name, err)
	}
	defer func() { _, _ = r.cfg.Pool.Execute(ctx, ddl.DropTempTable(tempName)) }()

	updateSQL := ddl.BulkUpdateFromTemp(factQN, ddl.QuoteIdent(tempName), col.Name, opKeys)
	if _, err := r.cfg.Pool.Execute(ctx, updateSQL); err != nil {
		return fmt.Errorf("failed to apply update batch for column %s: %w", col.Name, err)
	}
	return nil
}

// applyDelete applies the 'D' rows: reduce staging to the latest row per
// key tuple, then DELETE fact rows matching those keys (spec.md §4.5 step
// 7).
func (r *run) applyDelete(ctx context.Context, stagingQN, factQN string, keyNames []string, opKeys []ddl.OpKeyPair) error {
	tempName := tempTableName("cdc_del", "")
	dedupSQL := ddl.DedupLatestIntoTemp(tempName, stagingQN, keyNames, nil, "header__change_oper = 'D'")
	if _, err := r.cfg.Pool.Execute(ctx, dedupSQL); err != nil {
		return fmt.Errorf("failed to stage delete batch: %w", err)
	}
	defer func() { _, _ = r.cfg.Pool.Execute(ctx, ddl.DropTempTable(tempName)) }()

	deleteSQL := ddl.BulkDeleteFromTemp(factQN, ddl.QuoteIdent(tempName), opKeys)
	if _, err := r.cfg.Pool.Execute(ctx, deleteSQL); err != nil {
		return fmt.Errorf("failed to apply delete batch: %w", err)
	}
	return nil
}

func tempTableName(prefix, suffix string) string {
	if suffix == "" {
		return prefix
	}
	return prefix + "_" + sanitizeIdent(suffix)
}

func sanitizeIdent(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
