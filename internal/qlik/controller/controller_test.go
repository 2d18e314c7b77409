package controller_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/objstore/objstoretest"
	"github.com/mbta/dmap-loader/internal/qlik/cdcengine"
	"github.com/mbta/dmap-loader/internal/qlik/controller"
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

func dfmDoc(t *testing.T, cols []dfm.Column) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"dataInfo": map[string]any{"columns": cols}})
	require.NoError(t, err)
	return b
}

func TestControllerRunLoadsSnapshotThenCDC(t *testing.T) {
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

	store := objstoretest.New()
	snapPrefix := qlikRoot + "/" + table + "/snapshot=" + snapshotTS + "/"
	store.Seed(objstore.URI{Bucket: bucket, Key: snapPrefix + "VEHICLE-0001.csv.gz"}, gzCompress(t, "id,label\n1,alpha\n"))
	store.Seed(objstore.URI{Bucket: bucket, Key: snapPrefix + "VEHICLE-0001.dfm"}, dfmDoc(t, cols))

	cdcPrefix := qlikRoot + "/" + table + "__ct/snapshot=" + snapshotTS + "/"
	store.Seed(objstore.URI{Bucket: bucket, Key: cdcPrefix + "VEHICLE-20260102-000000001.csv.gz"},
		gzCompress(t, "id,label,header__timestamp,header__change_oper,header__change_seq\n2,beta,2026-01-02 00:00:00,I,1\n"))
	store.Seed(objstore.URI{Bucket: bucket, Key: cdcPrefix + "VEHICLE-20260102-000000001.dfm"}, dfmDoc(t, append(cols,
		dfm.Column{Name: "header__timestamp", Type: "DATETIME"},
		dfm.Column{Name: "header__change_oper", Type: "CHANGE_OPER"},
		dfm.Column{Name: "header__change_seq", Type: "CHANGE_SEQ"},
	)))

	statusStore := status.NewStore(store, bucket, qlikRoot)
	snapLoader := snapshot.New(snapshot.Config{
		Store: store, Pool: pool, StatusStore: statusStore, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})
	cdcLoader := cdcengine.New(cdcengine.Config{
		Store: store, Pool: pool, StatusStore: statusStore, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})
	ctrl := controller.New(controller.Config{
		Store: store, Pool: pool, StatusStore: statusStore,
		Snapshot: snapLoader, CDC: cdcLoader, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})

	require.NoError(t, ctrl.Run(ctx, table))

	fact, _, _ := ddl.TripletNames(table)
	rows, err := pool.SelectList(ctx, `SELECT id, label FROM `+ddl.Qualify(schema, fact)+` ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "1", rows[0]["id"])
	require.Equal(t, "2", rows[1]["id"])

	persisted, err := statusStore.Load(ctx, table, status.InitialStatus{})
	require.NoError(t, err)
	require.Equal(t, "20260102-000000001", persisted.LastCDCTS)
}

// TestControllerRunResetsOnSnapshotRotationWithoutDroppingFact reproduces a
// snapshot rotation (a new snapshot=<TS> directory appears after the table
// has already loaded) and asserts the reset path truncates fact in place
// rather than dropping it, so a materialized view built on top of fact
// survives the rotation.
func TestControllerRunResetsOnSnapshotRotationWithoutDroppingFact(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	table := "MBTA_CTD.ROUTE"
	schema := "qlik_mirror"
	bucket := "archive"
	qlikRoot := "qlik-root"
	firstSnapshotTS := "20260101T000000Z"
	secondSnapshotTS := "20260103T000000Z"

	cols := []dfm.Column{
		{Ordinal: 1, Name: "id", Type: "WSTR", PrimaryKeyPos: 1},
		{Ordinal: 2, Name: "label", Type: "WSTR"},
	}

	store := objstoretest.New()
	firstPrefix := qlikRoot + "/" + table + "/snapshot=" + firstSnapshotTS + "/"
	store.Seed(objstore.URI{Bucket: bucket, Key: firstPrefix + "ROUTE-0001.csv.gz"}, gzCompress(t, "id,label\n1,red\n"))
	store.Seed(objstore.URI{Bucket: bucket, Key: firstPrefix + "ROUTE-0001.dfm"}, dfmDoc(t, cols))

	statusStore := status.NewStore(store, bucket, qlikRoot)
	snapLoader := snapshot.New(snapshot.Config{
		Store: store, Pool: pool, StatusStore: statusStore, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})
	cdcLoader := cdcengine.New(cdcengine.Config{
		Store: store, Pool: pool, StatusStore: statusStore, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})
	ctrl := controller.New(controller.Config{
		Store: store, Pool: pool, StatusStore: statusStore,
		Snapshot: snapLoader, CDC: cdcLoader, Log: slog.Default(),
		ArchiveBucket: bucket, QLIKRoot: qlikRoot, Schema: schema,
	})

	require.NoError(t, ctrl.Run(ctx, table))

	fact, _, _ := ddl.TripletNames(table)
	factQualified := ddl.Qualify(schema, fact)

	viewName := schema + ".route_fact_mirror"
	_, err := pool.Execute(ctx, "CREATE MATERIALIZED VIEW "+viewName+" AS SELECT * FROM "+factQualified)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Execute(context.Background(), "DROP MATERIALIZED VIEW IF EXISTS "+viewName)
	})

	secondPrefix := qlikRoot + "/" + table + "/snapshot=" + secondSnapshotTS + "/"
	store.Seed(objstore.URI{Bucket: bucket, Key: secondPrefix + "ROUTE-0001.csv.gz"}, gzCompress(t, "id,label\n1,orange\n"))
	store.Seed(objstore.URI{Bucket: bucket, Key: secondPrefix + "ROUTE-0001.dfm"}, dfmDoc(t, cols))

	require.NoError(t, ctrl.Run(ctx, table))

	rows, err := pool.SelectList(ctx, `SELECT id, label FROM `+factQualified+` ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "orange", rows[0]["label"])

	viewRows, err := pool.SelectList(ctx, "SELECT count(*) AS n FROM "+viewName)
	require.NoError(t, err)
	require.Len(t, viewRows, 1)
}
