package cdcengine_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/objstore/objstoretest"
	"github.com/mbta/dmap-loader/internal/qlik/cdcengine"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
	"github.com/mbta/dmap-loader/internal/qlik/status"
	"github.com/mbta/dmap-loader/internal/warehouse"
	"github.com/mbta/dmap-loader/internal/warehouse/ddl"
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

func dfmDoc(t *testing.T, cols []dfm.Column) []byte {
	t.Helper()
	doc := map[string]any{
		"dataInfo": map[string]any{"columns": cols},
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestEngineRunAppliesInsertUpdateDelete(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	table := "MBTA_CTD.VEHICLE"
	schema := "qlik_mirror"
	bucket := "archive"
	qlikRoot := "qlik-root"
	snapshotTS := "20260101T000000Z"

	cols := []dfm.Column{
		{Ordinal: 1, Name: "id", Type: "WSTR", PrimaryKeyPos: 1},
		{Ordinal: 2, Name: "label", Type: "WSTR"},
		{Ordinal: 3, Name: "header__timestamp", Type: "DATETIME"},
		{Ordinal: 4, Name: "header__change_oper", Type: "CHANGE_OPER"},
		{Ordinal: 5, Name: "header__change_seq", Type: "CHANGE_SEQ"},
	}
	colSpecs := dfm.ToColumnSpecs(cols)

	for _, stmt := range ddl.CreateTriplet(schema, table, colSpecs) {
		_, err := pool.Execute(ctx, stmt)
		require.NoError(t, err)
	}
	for _, stmt := range ddl.CreateHistoryPartitions(schema, table, parseSnapshot(t, snapshotTS)) {
		_, err := pool.Execute(ctx, stmt)
		require.NoError(t, err)
	}
	fact, _, _ := ddl.TripletNames(table)
	factQN := ddl.Qualify(schema, fact)

	// Seed one fact row that the batch below will update, and one that
	// it will delete, to exercise all three operations in one folder.
	_, err := pool.Execute(ctx, `INSERT INTO `+factQN+` (id, label) VALUES ('1', 'old'), ('2', 'gone')`)
	require.NoError(t, err)

	store := objstoretest.New()
	statusStore := status.NewStore(store, bucket, qlikRoot)

	prefix := qlikRoot + "/" + table + "__ct/snapshot=" + snapshotTS + "/"
	body := "id,label,header__timestamp,header__change_oper,header__change_seq\n" +
		"1,new,2026-01-02 00:00:00,U,2\n" +
		"2,,2026-01-02 00:00:00,D,2\n" +
		"3,fresh,2026-01-02 00:00:00,I,1\n"
	store.Seed(objstore.URI{Bucket: bucket, Key: prefix + "VEHICLE-20260102-000000001.csv.gz"}, gzCompress(t, body))
	store.Seed(objstore.URI{Bucket: bucket, Key: prefix + "VEHICLE-20260102-000000001.dfm"}, dfmDoc(t, cols))

	st := status.Status{CurrentSnapshotTS: snapshotTS, LastCDCTS: "0", LastSchema: cols}
	require.NoError(t, statusStore.Save(ctx, table, st))

	engine := cdcengine.New(cdcengine.Config{
		Store:         store,
		Pool:          pool,
		StatusStore:   statusStore,
		Log:           slog.Default(),
		ArchiveBucket: bucket,
		QLIKRoot:      qlikRoot,
		Schema:        schema,
	})

	newStatus, err := engine.Run(ctx, table, st)
	require.NoError(t, err)
	require.Equal(t, "20260102-000000001", newStatus.LastCDCTS)

	rows, err := pool.SelectList(ctx, `SELECT id, label FROM `+factQN+` ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "1", rows[0]["id"])
	require.Equal(t, "new", rows[0]["label"])
	require.Equal(t, "3", rows[1]["id"])
	require.Equal(t, "fresh", rows[1]["label"])
}

func parseSnapshot(t *testing.T, ts string) time.Time {
	t.Helper()
	parsed, err := time.Parse("20060102T150405Z", ts)
	require.NoError(t, err)
	return parsed
}

func gzCompress(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}
