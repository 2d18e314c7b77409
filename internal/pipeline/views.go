package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbta/dmap-loader/internal/warehouse"
)

// refreshMaterializedViews runs REFRESH MATERIALIZED VIEW against every
// materialized view in schema, once all QLIK tables have loaded (spec.md
// §4.9: "after all tables, refresh all materialized views in the ODS
// schema"). A failure on one view is logged and doesn't block the rest.
func refreshMaterializedViews(ctx context.Context, log *slog.Logger, pool *warehouse.Pool, schema string) error {
	rows, err := pool.SelectList(ctx, `SELECT matviewname FROM pg_matviews WHERE schemaname = $1`, schema)
	if err != nil {
		return fmt.Errorf("failed to list materialized views: %w", err)
	}

	for _, row := range rows {
		name, ok := row["matviewname"].(string)
		if !ok || name == "" {
			continue
		}
		qualified := schema + "." + name
		if _, err := pool.Execute(ctx, fmt.Sprintf(`REFRESH MATERIALIZED VIEW %s`, qualified)); err != nil {
			log.Error("failed to refresh materialized view", "view", qualified, "error", err)
			continue
		}
		log.Info("refreshed materialized view", "view", qualified)
	}
	return nil
}
