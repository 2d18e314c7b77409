package warehouse_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"log/slog"
	"net/url"
	"os"
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

func TestPoolExecuteAndSelect(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Execute(ctx, `CREATE TABLE widgets (id BIGINT, name VARCHAR)`)
	require.NoError(t, err)

	affected, err := pool.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)
	require.EqualValues(t, 2, affected)

	row, err := pool.Select(ctx, `SELECT name FROM widgets WHERE id = $1`, 1)
	require.NoError(t, err)
	require.Equal(t, "a", row["name"])

	rows, err := pool.SelectList(ctx, `SELECT id, name FROM widgets ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestPoolSchemaAndTableExists(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	ok, err := pool.SchemaExists(ctx, "qlik_mirror", false)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = pool.SchemaExists(ctx, "qlik_mirror", true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = pool.Execute(ctx, `CREATE TABLE qlik_mirror.t (id BIGINT)`)
	require.NoError(t, err)

	ok, err = pool.TableExists(ctx, "qlik_mirror", "t")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pool.TableExists(ctx, "qlik_mirror", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPoolTruncateAndVacuumAnalyze(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Execute(ctx, `CREATE TABLE widgets (id BIGINT)`)
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `INSERT INTO widgets VALUES (1), (2)`)
	require.NoError(t, err)

	require.NoError(t, pool.Truncate(ctx, "widgets", true, false))

	rows, err := pool.SelectList(ctx, `SELECT id FROM widgets`)
	require.NoError(t, err)
	require.Empty(t, rows)

	require.NoError(t, pool.VacuumAnalyze(ctx, "widgets"))
}

func TestCopyFromCSVGz(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.Execute(ctx, `CREATE TABLE widgets (id BIGINT, name VARCHAR)`)
	require.NoError(t, err)

	tmp, err := os.CreateTemp("", "widgets-*.csv.gz")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	_, err = gz.Write([]byte("id,name\n1,alpha\n2,beta\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, tmp.Close())

	n, err := pool.CopyFromCSVGz(ctx, warehouse.LocalFile(tmp.Name(), true), "widgets", []string{"id", "name"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	rows, err := pool.SelectList(ctx, `SELECT id, name FROM widgets ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "alpha", rows[0]["name"])
}

func TestCopySourceFromReader(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("id\n1\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	src := warehouse.FromReader(&buf, true)
	require.NotNil(t, src)
}
