package warehouse

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/retry"
)

// CopySource names where CopyFromCSVGz should read bytes from: a path on
// local disk, or an object already fetched through objstore.Client.Get.
type CopySource struct {
	LocalPath string
	Reader    io.Reader
	Gzip      bool
}

// LocalFile builds a CopySource reading path from disk, decompressing if
// gz is true.
func LocalFile(path string, gz bool) CopySource {
	return CopySource{LocalPath: path, Gzip: gz}
}

// FromReader builds a CopySource over an already-open stream, e.g. one
// returned by objstore.Client.Get for a remote URI.
func FromReader(r io.Reader, gz bool) CopySource {
	return CopySource{Reader: r, Gzip: gz}
}

// CopyFromCSVGz streams src into table via Postgres's server-side
// COPY ... FROM STDIN WITH (FORMAT csv, HEADER true), decompressing first
// if the source is gzipped. Retries up to cfg.MaxAttempts times with
// fixed backoff per spec.md §4.2.
func (p *Pool) CopyFromCSVGz(ctx context.Context, src CopySource, table string, columns []string) (int64, error) {
	cfg := retry.Fixed(3, 2e9) // 2s fixed backoff between COPY attempts

	var rowsCopied int64
	err := retry.Do(ctx, cfg, func() error {
		r, closer, err := src.open()
		if err != nil {
			return fmt.Errorf("failed to open copy source: %w", err)
		}
		defer closer()

		colList := ""
		if len(columns) > 0 {
			colList = "(" + strings.Join(columns, ", ") + ")"
		}

		conn, err := p.db.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire connection: %w", err)
		}
		defer conn.Release()

		sql := fmt.Sprintf(`COPY %s%s FROM STDIN WITH (FORMAT csv, HEADER true)`, table, colList)
		tag, err := conn.Conn().PgConn().CopyFrom(ctx, r, sql)
		if err != nil {
			return fmt.Errorf("copy into %s failed: %w", table, err)
		}
		rowsCopied = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsCopied, nil
}

// CopyFromObjectStore downloads uri into a temp file through store, then
// COPYs it into table. Used by the QLIK snapshot loader for remote CSV.gz
// sources.
func (p *Pool) CopyFromObjectStore(ctx context.Context, store objstore.Client, uri objstore.URI, table string, columns []string) (int64, error) {
	tmp, err := os.CreateTemp("", "dmap-loader-copy-*.csv.gz")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := store.Download(ctx, uri, tmpPath); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrObjectStoreUnavailable, err)
	}

	return p.CopyFromCSVGz(ctx, LocalFile(tmpPath, true), table, columns)
}

func (s CopySource) open() (io.Reader, func(), error) {
	switch {
	case s.LocalPath != "":
		f, err := os.Open(s.LocalPath)
		if err != nil {
			return nil, nil, err
		}
		if !s.Gzip {
			return f, func() { f.Close() }, nil
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close(); f.Close() }, nil
	case s.Reader != nil:
		if !s.Gzip {
			return s.Reader, func() {}, nil
		}
		gz, err := gzip.NewReader(s.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("copy source has neither LocalPath nor Reader set")
	}
}
