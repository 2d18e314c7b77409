package status_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbta/dmap-loader/internal/objstore/objstoretest"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
	"github.com/mbta/dmap-loader/internal/qlik/status"
)

func TestLoadSynthesizesInitialStatusOnFirstRun(t *testing.T) {
	ctx := context.Background()
	store := status.NewStore(objstoretest.New(), "archive-bucket", "qlik-root")

	initial := status.InitialStatus{
		SnapshotTS:  "20260101T000000Z",
		Schema:      []dfm.Column{{Name: "id", Type: "WSTR", PrimaryKeyPos: 1}},
		DBFactTable: "qlik_mirror.mbta_ctd_vehicle",
	}

	st, err := store.Load(ctx, "MBTA_CTD.VEHICLE", initial)
	require.NoError(t, err)
	require.Equal(t, "20260101T000000Z", st.CurrentSnapshotTS)
	require.Equal(t, "", st.LastCDCTS)
	require.Equal(t, "qlik_mirror.mbta_ctd_vehicle", st.DBFactTable)

	// A second load must see the persisted object, not re-synthesize.
	st2, err := store.Load(ctx, "MBTA_CTD.VEHICLE", status.InitialStatus{SnapshotTS: "ignored"})
	require.NoError(t, err)
	require.Equal(t, st, st2)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := status.NewStore(objstoretest.New(), "archive-bucket", "qlik-root")

	st := status.Status{
		CurrentSnapshotTS: "20260101T000000Z",
		LastCDCTS:         "20260102-000000001",
		LastSchema:        []dfm.Column{{Name: "id", PrimaryKeyPos: 1}},
		DBFactTable:       "qlik_mirror.t",
	}
	require.NoError(t, store.Save(ctx, "S.T", st))

	got, err := store.Load(ctx, "S.T", status.InitialStatus{})
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestStatusImmutableUpdates(t *testing.T) {
	orig := status.Status{CurrentSnapshotTS: "a", LastCDCTS: "1"}
	updated := orig.WithCDCTS("2")

	require.Equal(t, "1", orig.LastCDCTS)
	require.Equal(t, "2", updated.LastCDCTS)
}

func TestAppendColumns(t *testing.T) {
	orig := status.Status{LastSchema: []dfm.Column{{Name: "a"}}}
	updated := orig.AppendColumns([]dfm.Column{{Name: "b"}})

	require.Len(t, orig.LastSchema, 1)
	require.Len(t, updated.LastSchema, 2)
	require.Equal(t, "b", updated.LastSchema[1].Name)
}
