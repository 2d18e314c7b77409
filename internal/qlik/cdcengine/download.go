package cdcengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/metrics"
	"github.com/mbta/dmap-loader/internal/objstore"
)

// downloadAndPartition downloads files in bounded batches, moving each
// into a digest subdirectory of tempDir as it lands, and checks after
// every batch whether any digest folder has crossed the flush threshold.
func (r *run) downloadAndPartition(ctx context.Context, files []objstore.URI, tempDir string) error {
	batchSize := r.cfg.DownloadBatchSize
	workers := WorkerCount(r.cfg.Hosted)

	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, f := range batch {
			f := f
			g.Go(func() error { return r.downloadOne(gctx, f, tempDir) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to download CDC batch: %w", err)
		}

		if err := r.flushAll(ctx, tempDir, r.cfg.MaxFolderFiles, r.cfg.MaxFolderBytes); err != nil {
			return err
		}
	}
	return nil
}

// downloadOne downloads uri to a staging path, then moves it into the
// digest subdirectory matching its header row.
func (r *run) downloadOne(ctx context.Context, uri objstore.URI, tempDir string) error {
	base := path.Base(uri.Key)
	incoming := filepath.Join(tempDir, "_incoming", base)
	if err := os.MkdirAll(filepath.Dir(incoming), 0o755); err != nil {
		return err
	}
	if err := r.cfg.Store.Download(ctx, uri, incoming); err != nil {
		return fmt.Errorf("failed to download %s: %w", uri, err)
	}

	digest, err := headerDigest(incoming)
	if err != nil {
		os.Remove(incoming)
		return fmt.Errorf("failed to read header of %s: %w", uri, err)
	}

	destDir := filepath.Join(tempDir, digest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(incoming, filepath.Join(destDir, base)); err != nil {
		return fmt.Errorf("failed to move %s into digest dir %s: %w", uri, digest, err)
	}
	return nil
}

// flushAll checks every digest directory under tempDir and loads any that
// exceed maxFiles or maxBytes. maxFiles==0 && maxBytes==0 means "drain
// every non-empty digest regardless of size" — the tail-drain call made
// once downloads are complete (spec.md §4.5 "Flush thresholds").
func (r *run) flushAll(ctx context.Context, tempDir string, maxFiles int, maxBytes int64) error {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return fmt.Errorf("failed to list temp dir: %w", err)
	}

	drainAll := maxFiles == 0 && maxBytes == 0

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "_incoming" {
			continue
		}
		dir := filepath.Join(tempDir, entry.Name())
		files, totalBytes, err := dirFiles(dir)
		if err != nil {
			return fmt.Errorf("failed to stat digest dir %s: %w", dir, err)
		}
		if len(files) == 0 {
			continue
		}
		if !drainAll && len(files) <= maxFiles && totalBytes <= maxBytes {
			continue
		}

		if err := r.loadAndRemove(ctx, dir, files); err != nil {
			return err
		}
	}
	return nil
}

// loadAndRemove loads one digest folder and removes its temp directory.
// A schema conflict is propagated and stops the table's run without
// removing the directory, as does a failure to save the status; any other
// load failure is logged, the directory is removed, and the folder is
// skipped without advancing the watermark.
func (r *run) loadAndRemove(ctx context.Context, dir string, files []string) error {
	maxTS, err := r.loadFolder(ctx, dir, files)
	if err != nil {
		if errors.Is(err, errs.ErrSchemaConflict) {
			metrics.CDCFolderTotal.WithLabelValues(r.table, "schema_conflict").Inc()
			return fmt.Errorf("table %s: %w", r.table, err)
		}
		metrics.CDCFolderTotal.WithLabelValues(r.table, "failed").Inc()
		r.log.Error("cdc folder load failed, skipping", "dir", dir, "files", len(files), "error", err)
		return os.RemoveAll(dir)
	}

	metrics.CDCFolderTotal.WithLabelValues(r.table, "ok").Inc()
	metrics.CDCFolderRows.WithLabelValues(r.table).Observe(float64(len(files)))

	if maxTS > r.status.LastCDCTS {
		r.status = r.status.WithCDCTS(maxTS)
	}
	if err := r.cfg.StatusStore.Save(ctx, r.table, r.status); err != nil {
		return fmt.Errorf("failed to persist status after folder load: %w", err)
	}

	return os.RemoveAll(dir)
}

func dirFiles(dir string) ([]string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}
	var files []string
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, 0, err
		}
		files = append(files, filepath.Join(dir, e.Name()))
		total += info.Size()
	}
	return files, total, nil
}
