// Package metrics declares the Prometheus series the loader exposes on
// /metrics. Grouped by phase, the way indexer/pkg/metrics does it in the
// teacher repo: a build-info gauge plus counters/histograms per operation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmap_loader_build_info",
			Help: "Build information of the DMAP/QLIK warehouse loader",
		},
		[]string{"version", "commit", "date"},
	)

	TableRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmap_loader_table_run_total",
			Help: "Total number of per-table controller runs, by outcome",
		},
		[]string{"table", "status"},
	)

	TableRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmap_loader_table_run_duration_seconds",
			Help:    "Duration of a full per-table controller run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"table"},
	)

	CDCFolderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmap_loader_cdc_folder_total",
			Help: "Total number of CDC digest-folder loads, by outcome",
		},
		[]string{"table", "status"},
	)

	CDCFolderRows = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmap_loader_cdc_folder_rows",
			Help:    "Number of CDC files merged per successful digest-folder load (a file count, not a row count)",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		},
		[]string{"table"},
	)

	DMAPURLTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmap_loader_dmap_url_total",
			Help: "Total number of DMAP URL job runs, by outcome",
		},
		[]string{"url", "status"},
	)

	DMAPResultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmap_loader_dmap_result_total",
			Help: "Total number of DMAP result loads, by outcome",
		},
		[]string{"url", "status"},
	)

	WarehouseQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmap_loader_warehouse_query_total",
			Help: "Total number of warehouse statements executed, by outcome",
		},
		[]string{"status"},
	)

	WarehouseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmap_loader_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse statements",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)
