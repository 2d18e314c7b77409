package snapshot_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/objstore/objstoretest"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
	"github.com/mbta/dmap-loader/internal/qlik/snapshot"
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

func gzCompress(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoaderRunPopulatesHistoryAndFact(t *testing.T) {
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
	}
	colSpecs := dfm.ToColumnSpecs(cols)

	for _, stmt := range ddl.CreateTriplet(schema, table, colSpecs) {
		_, err := pool.Execute(ctx, stmt)
		require.NoError(t, err)
	}

	store := objstoretest.New()
	prefix := qlikRoot + "/" + table + "/snapshot=" + snapshotTS + "/"
	store.Seed(objstore.URI{Bucket: bucket, Key: prefix + "VEHICLE-0001.csv.gz"}, gzCompress(t, "id,label\n1,alpha\n2,beta\n"))

	statusStore := status.NewStore(store, bucket, qlikRoot)
	loader := snapshot.New(snapshot.Config{
		Store:         store,
		Pool:          pool,
		StatusStore:   statusStore,
		Log:           slog.Default(),
		ArchiveBucket: bucket,
		QLIKRoot:      qlikRoot,
		Schema:        schema,
	})

	st := status.Status{CurrentSnapshotTS: snapshotTS, LastSchema: cols}
	newStatus, err := loader.Run(ctx, table, colSpecs, st)
	require.NoError(t, err)
	require.Equal(t, "0", newStatus.LastCDCTS)

	fact, history, _ := ddl.TripletNames(table)
	factRows, err := pool.SelectList(ctx, `SELECT id, label FROM `+ddl.Qualify(schema, fact)+` ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, factRows, 2)
	require.Equal(t, "alpha", factRows[0]["label"])

	historyRows, err := pool.SelectList(ctx, `SELECT id, header__change_oper FROM `+ddl.Qualify(schema, history)+` ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, historyRows, 2)
	require.Equal(t, "L", historyRows[0]["header__change_oper"])

	persisted, err := statusStore.Load(ctx, table, status.InitialStatus{})
	require.NoError(t, err)
	require.Equal(t, "0", persisted.LastCDCTS)
}
