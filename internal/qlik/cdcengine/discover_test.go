package cdcengine_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/objstore/objstoretest"
	"github.com/mbta/dmap-loader/internal/qlik/cdcengine"
)

func gzBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractCDCTS(t *testing.T) {
	ts, err := cdcengine.ExtractCDCTS("MBTA_CTD.VEHICLE-20260115-000000042.csv.gz")
	require.NoError(t, err)
	require.Equal(t, "20260115-000000042", ts)

	_, err = cdcengine.ExtractCDCTS("not-a-cdc-file.csv.gz")
	require.Error(t, err)
}

func TestWorkerCount(t *testing.T) {
	require.Greater(t, cdcengine.WorkerCount(false), 0)
	require.Greater(t, cdcengine.WorkerCount(true), 0)
	require.GreaterOrEqual(t, cdcengine.WorkerCount(false), cdcengine.WorkerCount(true))
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	store := objstoretest.New()
	bucket := "archive"
	qlikRoot := "qlik-root"
	table := "MBTA_CTD.VEHICLE"
	snapshotTS := "20260101T000000Z"

	body := gzBytes(t, "id\n1\n")
	seed := func(name string) {
		store.Seed(objstore.URI{
			Bucket: bucket,
			Key:    qlikRoot + "/" + table + "__ct/snapshot=" + snapshotTS + "/" + name,
		}, body)
	}

	seed("MBTA_CTD.VEHICLE-20260102-000000001.csv.gz")
	seed("MBTA_CTD.VEHICLE-20260101-000000001.csv.gz") // before afterCDCTS, excluded
	seed("MBTA_CTD.VEHICLE-20260103-000000001.csv.gz")
	seed("MBTA_CTD.VEHICLE-20260102-000000001.dfm") // not a .csv.gz, excluded by suffix filter

	got, err := cdcengine.Discover(context.Background(), store, bucket, qlikRoot, table, snapshotTS, "20260101-999999999")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got[0].Key, "20260102-000000001")
	require.Contains(t, got[1].Key, "20260103-000000001")
}
