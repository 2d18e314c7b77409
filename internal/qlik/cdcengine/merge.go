package cdcengine

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// mergeCSVGzFiles concatenates every gzipped CSV in files into a single
// plain CSV at outPath: the first file's header row is kept, every
// subsequent file's header row is skipped. Returns the header fields read
// from the first file — used verbatim as the COPY column list so the
// merged file's physical column order always matches what's passed to
// warehouse.Pool.CopyFromCSVGz (spec.md §4.5 step 1).
func mergeCSVGzFiles(files []string, outPath string) ([]string, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create merged file: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	var header []string
	for i, path := range files {
		fields, err := appendCSVGzBody(path, w, i == 0)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		if i == 0 {
			header = fields
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush merged file: %w", err)
	}
	return header, nil
}

// appendCSVGzBody decompresses path and writes its header line (only when
// keepHeader) followed by the rest of its bytes to w. It always returns
// the header fields it read, regardless of whether they were written.
func appendCSVGzBody(path string, w *bufio.Writer, keepHeader bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	r := bufio.NewReader(gz)
	headerLine, err := r.ReadString('\n')
	if err != nil && headerLine == "" {
		return nil, fmt.Errorf("failed to read header line: %w", err)
	}

	fields, err := csv.NewReader(strings.NewReader(headerLine)).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to parse header line: %w", err)
	}

	if keepHeader {
		if _, err := w.WriteString(headerLine); err != nil {
			return nil, err
		}
		if !strings.HasSuffix(headerLine, "\n") {
			if _, err := w.WriteString("\n"); err != nil {
				return nil, err
			}
		}
	}

	if _, err := io.Copy(w, r); err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	return fields, nil
}
