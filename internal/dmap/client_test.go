package dmap_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mbta/dmap-loader/internal/dmap"
)

func resultsPage(results []dmap.Result) string {
	body := `{"success":true,"results":[`
	for i, r := range results {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id":"%s","dataset_id":"%s","url":"%s","last_updated":"%s"}`,
			r.ID, r.DatasetID, r.URL, r.LastUpdated)
	}
	body += `]}`
	return body
}

func TestGetResultsPaginatesAndStops(t *testing.T) {
	var pagesServed int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		pagesServed++
		switch offset {
		case "0":
			w.Write([]byte(resultsPage([]dmap.Result{
				{ID: "1", DatasetID: "d1", URL: "http://x/1", LastUpdated: "2026-01-01T00:00:00.000000"},
			})))
		default:
			w.Write([]byte(resultsPage(nil)))
		}
	}))
	defer srv.Close()

	client := dmap.New(dmap.Config{BaseURL: srv.URL, PublicKey: "pub", ControlledKey: "ctrl"})
	results, err := client.GetResults(context.Background(), srv.URL, time.Time{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 2, pagesServed)
}

func TestGetResultsFiltersByWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.Write([]byte(resultsPage(nil)))
			return
		}
		w.Write([]byte(resultsPage([]dmap.Result{
			{ID: "1", URL: "http://x/1", LastUpdated: "2026-07-01T00:00:00.000000"},
			{ID: "2", URL: "http://x/2", LastUpdated: "2026-07-02T12:00:00.000000"},
			{ID: "3", URL: "http://x/3", LastUpdated: "2026-07-03T00:00:00.000000"},
		})))
	}))
	defer srv.Close()

	client := dmap.New(dmap.Config{BaseURL: srv.URL})
	watermark, err := time.Parse("2006-01-02T15:04:05.000000", "2026-07-02T12:00:00.000000")
	require.NoError(t, err)

	results, err := client.GetResults(context.Background(), srv.URL, watermark)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "3", results[0].ID)
}

func TestGetResultsSingleEmptyPageWithinRateLimitBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(resultsPage(nil)))
	}))
	defer srv.Close()

	client := dmap.New(dmap.Config{
		BaseURL:   srv.URL,
		RateLimit: rate.Limit(0.001), // effectively one token per ~1000s
		RateBurst: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The burst token is consumed by the first fetchPage call; a second
	// call within the same GetResults loop would block on the limiter
	// past ctx's deadline if results required a second page, so a
	// single empty page still exercises the limiter without blocking
	// this test.
	_, err := client.GetResults(ctx, srv.URL, time.Time{})
	require.NoError(t, err)
}
