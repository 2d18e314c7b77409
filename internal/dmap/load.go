package dmap

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/metrics"
	"github.com/mbta/dmap-loader/internal/retry"
	"github.com/mbta/dmap-loader/internal/warehouse"
)

// LoaderConfig wires one Loader to the warehouse and HTTP client it needs.
type LoaderConfig struct {
	Client *Client
	Pool   *warehouse.Pool
	Log    *slog.Logger
}

// Loader runs the per-URL DMAP ingestion described in spec.md §4.8: fetch
// results newer than the watermark, then for each one download, schema
// check, dataset-scoped delete, bulk load, and watermark advance.
type Loader struct {
	cfg LoaderConfig
}

// NewLoader builds a Loader from cfg.
func NewLoader(cfg LoaderConfig) *Loader {
	return &Loader{cfg: cfg}
}

// Load runs jobURL's full fetch-then-load cycle against table. A failure
// loading one result stops processing of the remaining results for this
// URL, but Load itself returns nil so the pipeline (C9) treats the URL
// job as done per spec.md §4.8 step 9 and §7's table: phase failures abort
// the current job, never the pipeline.
func (l *Loader) Load(ctx context.Context, jobURL, table string) error {
	log := l.cfg.Log.With("url", jobURL, "table", table)

	watermark, err := l.readWatermark(ctx, jobURL)
	if err != nil {
		return fmt.Errorf("failed to read watermark for %s: %w", jobURL, err)
	}

	results, err := l.cfg.Client.GetResults(ctx, jobURL, watermark)
	if err != nil {
		metrics.DMAPURLTotal.WithLabelValues(jobURL, "failed").Inc()
		return fmt.Errorf("failed to fetch results for %s: %w", jobURL, err)
	}
	log.Info("dmap results fetched", "count", len(results), "watermark", watermark)

	for _, r := range results {
		if err := l.loadResult(ctx, jobURL, table, r); err != nil {
			if errors.Is(err, errs.ErrAuthRejected) {
				log.Warn("dmap result rejected, skipping", "result_url", r.URL, "error", err)
				metrics.DMAPResultTotal.WithLabelValues(jobURL, "auth_rejected").Inc()
				continue
			}
			log.Error("dmap result load failed, stopping url", "result_url", r.URL, "error", err)
			metrics.DMAPResultTotal.WithLabelValues(jobURL, "failed").Inc()
			metrics.DMAPURLTotal.WithLabelValues(jobURL, "failed").Inc()
			return nil
		}
		metrics.DMAPResultTotal.WithLabelValues(jobURL, "ok").Inc()
	}

	metrics.DMAPURLTotal.WithLabelValues(jobURL, "ok").Inc()
	return nil
}

// loadResult implements spec.md §4.8's 9-step per-result load.
func (l *Loader) loadResult(ctx context.Context, jobURL, table string, r Result) error {
	tmpDir, err := os.MkdirTemp("", "dmap-loader-result-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	defer func() {
		if _, err := l.cfg.Pool.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id IS NULL`, table)); err != nil {
			l.cfg.Log.Error("dmap finalizer sweep failed", "table", table, "error", err)
		}
	}()

	tmpFile := filepath.Join(tmpDir, sanitizeFilename(path.Base(stripQuery(r.URL))))
	if err := l.download(ctx, r.URL, tmpFile); err != nil {
		return err
	}

	if err := l.schemaCompare(ctx, tmpFile, table); err != nil {
		return err
	}

	if _, err := l.cfg.Pool.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id IS NULL`, table)); err != nil {
		return fmt.Errorf("failed pre-load sweep: %w", err)
	}

	header, err := readCSVGzHeader(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(col))
	}
	if _, err := l.cfg.Pool.CopyFromCSVGz(ctx, warehouse.LocalFile(tmpFile, true), table, columns); err != nil {
		return fmt.Errorf("failed to copy result into %s: %w", table, err)
	}

	if err := l.cfg.Pool.VacuumAnalyze(ctx, table); err != nil {
		return fmt.Errorf("failed to vacuum analyze %s: %w", table, err)
	}

	if _, err := l.cfg.Pool.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset_id = $1`, table), r.DatasetID); err != nil {
		return fmt.Errorf("failed to remove prior dataset rows: %w", err)
	}

	if _, err := l.cfg.Pool.Execute(ctx, fmt.Sprintf(`UPDATE %s SET dataset_id = $1 WHERE dataset_id IS NULL`, table), r.DatasetID); err != nil {
		return fmt.Errorf("failed to stamp dataset_id: %w", err)
	}

	lastUpdated, err := time.Parse(dmapTimeLayout, r.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to parse last_updated %q: %w", r.LastUpdated, err)
	}
	if err := l.writeWatermark(ctx, jobURL, lastUpdated); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// download fetches srcURL into localPath. A 403 is reported as
// errs.ErrAuthRejected without being retried. A 429 or 5xx response, or a
// transient transport error (as classified by retry.IsRetryable), is tried
// up to 3 times with a fixed 15s delay; any other non-2xx response fails
// on the first attempt.
func (l *Loader) download(ctx context.Context, srcURL, localPath string) error {
	cfg := retry.Fixed(3, 15*time.Second)
	err := retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build download request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("download request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			// Not wrapped in statusCodeError: IsRetryable only treats
			// 429/5xx as transient, so this returns immediately.
			return fmt.Errorf("%w: %s", errs.ErrAuthRejected, srcURL)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &statusCodeError{code: resp.StatusCode}
		}

		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}
		defer f.Close()

		if _, err := io.Copy(f, resp.Body); err != nil {
			return fmt.Errorf("failed to write local file: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrAuthRejected) {
			return err
		}
		return fmt.Errorf("failed to download %s: %w", srcURL, err)
	}
	return nil
}

// schemaCompare reads localFile's gzipped CSV header and fails if it
// contains any column the warehouse table doesn't have (minus pk_id and
// dataset_id, which are loader-managed). Columns present in the warehouse
// but absent from the CSV are fine and only logged.
func (l *Loader) schemaCompare(ctx context.Context, localFile, table string) error {
	header, err := readCSVGzHeader(localFile)
	if err != nil {
		return fmt.Errorf("failed to read csv header: %w", err)
	}

	schema, name := splitQualifiedName(table)
	rows, err := l.cfg.Pool.SelectList(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		schema, name)
	if err != nil {
		return fmt.Errorf("failed to read warehouse schema for %s: %w", table, err)
	}

	warehouseCols := make(map[string]bool, len(rows))
	for _, row := range rows {
		name, _ := row["column_name"].(string)
		if name == "pk_id" || name == "dataset_id" {
			continue
		}
		warehouseCols[name] = true
	}

	var unknown []string
	for _, col := range header {
		if !warehouseCols[strings.ToLower(strings.TrimSpace(col))] {
			unknown = append(unknown, col)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s has columns %v not present in %s", errs.ErrSchemaCSVUnknownColumns, localFile, unknown, table)
	}

	var missing []string
	seen := make(map[string]bool, len(header))
	for _, col := range header {
		seen[strings.ToLower(strings.TrimSpace(col))] = true
	}
	for col := range warehouseCols {
		if !seen[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		l.cfg.Log.Info("csv missing warehouse columns", "table", table, "columns", missing)
	}
	return nil
}

func (l *Loader) readWatermark(ctx context.Context, jobURL string) (time.Time, error) {
	row, err := l.cfg.Pool.Select(ctx, `SELECT last_updated FROM api_metadata WHERE url = $1`, jobURL)
	if err != nil {
		return time.Time{}, err
	}
	if row == nil {
		return time.Time{}, nil
	}
	ts, ok := row["last_updated"].(time.Time)
	if !ok {
		return time.Time{}, nil
	}
	return ts, nil
}

func (l *Loader) writeWatermark(ctx context.Context, jobURL string, lastUpdated time.Time) error {
	_, err := l.cfg.Pool.Execute(ctx,
		`INSERT INTO api_metadata (url, last_updated) VALUES ($1, $2)
		 ON CONFLICT (url) DO UPDATE SET last_updated = EXCLUDED.last_updated`,
		jobURL, lastUpdated)
	return err
}

func readCSVGzHeader(localPath string) ([]string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	return csv.NewReader(gz).Read()
}

func splitQualifiedName(table string) (schema, name string) {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", parts[0]
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	if name == "" {
		return "result.csv.gz"
	}
	return name
}

func stripQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
