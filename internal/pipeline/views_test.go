package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/warehouse"
	"github.com/mbta/dmap-loader/internal/warehouse/warehousetest"
)

func openTestPool(t *testing.T) *warehouse.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed integration test in short mode")
	}

	db := warehousetest.RequireNew(t, nil)
	u, err := url.Parse(db.ConnStr())
	require.NoError(t, err)
	password, _ := u.User.Password()

	pool, err := warehouse.Open(context.Background(), slog.Default(), warehouse.Config{
		Host:     u.Hostname(),
		Port:     u.Port(),
		Database: strings.TrimPrefix(u.Path, "/"),
		Username: u.User.Username(),
		Password: password,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRefreshMaterializedViewsRefreshesEveryViewInSchema(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Execute(ctx, `CREATE SCHEMA ods`)
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `CREATE TABLE ods.routes (id INT, name TEXT)`)
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `INSERT INTO ods.routes VALUES (1, 'Red')`)
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `CREATE MATERIALIZED VIEW ods.route_counts AS SELECT count(*) AS n FROM ods.routes`)
	require.NoError(t, err)

	row, err := pool.Select(ctx, `SELECT n FROM ods.route_counts`)
	require.NoError(t, err)
	require.EqualValues(t, 1, row["n"])

	_, err = pool.Execute(ctx, `INSERT INTO ods.routes VALUES (2, 'Blue')`)
	require.NoError(t, err)

	require.NoError(t, refreshMaterializedViews(ctx, slog.Default(), pool, "ods"))

	row, err = pool.Select(ctx, `SELECT n FROM ods.route_counts`)
	require.NoError(t, err)
	require.EqualValues(t, 2, row["n"])
}
