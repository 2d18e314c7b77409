// Package cdcengine is the CDC batch engine (spec.md §4.5, C5): it
// discovers CDC files newer than a table's watermark, partitions them by
// header digest so only byte-compatible files are merged together, and
// applies each digest folder to the fact/history/staging triplet in three
// explicit insert/update/delete SQL phases.
//
// This is the component where the teacher's
// indexer/pkg/clickhouse/dataset.WriteBatch (stage a snapshot, compute a
// delta, write it to history) is most directly adapted: that function
// does the merge in one ClickHouse multi-CTE statement, ours does it in
// three statements against Postgres because Postgres UPDATE/DELETE can't
// join an arbitrary CTE quite the way ClickHouse's mutations can, and
// because the spec requires dedup-by-latest-change_seq per operation
// rather than per a single argMax column.
package cdcengine

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/mbta/dmap-loader/internal/objstore"
)

// CDCTSPattern matches a QLIK CDC file timestamp, "YYYYMMDD-NNNNNNNNN".
// These sort correctly as plain strings (spec.md §6).
var CDCTSPattern = regexp.MustCompile(`\d{8}-\d{9}`)

// ExtractCDCTS pulls the CDC timestamp out of a CDC object key or
// filename.
func ExtractCDCTS(name string) (string, error) {
	m := CDCTSPattern.FindString(name)
	if m == "" {
		return "", fmt.Errorf("no CDC timestamp found in %q", name)
	}
	return m, nil
}

// cdcPrefix returns the object-store prefix for table's CDC directory
// under the given snapshot epoch (spec.md §6).
func cdcPrefix(qlikRoot, table, snapshotTS string) string {
	return fmt.Sprintf("%s/%s__ct/snapshot=%s/", qlikRoot, table, snapshotTS)
}

// Discover lists every *.csv.gz CDC file for table under snapshotTS whose
// embedded CDC timestamp is strictly greater than afterCDCTS, sorted
// ascending by that timestamp (spec.md §4.5 "Discovery").
func Discover(ctx context.Context, store objstore.Client, bucket, qlikRoot, table, snapshotTS, afterCDCTS string) ([]objstore.URI, error) {
	prefix := cdcPrefix(qlikRoot, table, snapshotTS)
	uris, err := store.List(ctx, bucket, prefix, func(key string) bool {
		return strings.HasSuffix(key, ".csv.gz")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list CDC files for %s: %w", table, err)
	}

	type entry struct {
		ts  string
		uri objstore.URI
	}
	var entries []entry
	for _, u := range uris {
		ts, err := ExtractCDCTS(path.Base(u.Key))
		if err != nil {
			continue // not a recognizable CDC data file
		}
		if afterCDCTS != "" && ts <= afterCDCTS {
			continue
		}
		entries = append(entries, entry{ts: ts, uri: u})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	out := make([]objstore.URI, len(entries))
	for i, e := range entries {
		out[i] = e.uri
	}
	return out, nil
}
