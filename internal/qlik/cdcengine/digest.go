package cdcengine

import (
	"compress/gzip"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// headerDigest computes a stable identifier for a CDC file's column
// layout: the lower-cased, comma-joined header row, SHA-1 hashed. Files
// sharing a digest carry byte-compatible rows and can be merged into one
// COPY (spec.md §4.5 "Digest partitioning").
func headerDigest(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	header, err := csv.NewReader(gz).Read()
	if err != nil {
		return "", fmt.Errorf("failed to read header row: %w", err)
	}

	lowered := make([]string, len(header))
	for i, h := range header {
		lowered[i] = strings.ToLower(strings.TrimSpace(h))
	}
	sum := sha1.Sum([]byte(strings.Join(lowered, ",")))
	return hex.EncodeToString(sum[:]), nil
}
