// Package status is the per-table progress store described in spec.md
// §4.4 (C4): a small JSON document in object storage recording where the
// loader left off for one upstream table, overwritten atomically at every
// successful phase boundary so progress survives a restart.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mbta/dmap-loader/internal/objstore"
	"github.com/mbta/dmap-loader/internal/qlik/dfm"
)

// Status is the durable watermark for one upstream table. It is a value
// type: callers replace it wholesale rather than mutating fields in
// place, mirroring the original project's NamedTuple semantics.
type Status struct {
	CurrentSnapshotTS string       `json:"current_snapshot_ts"`
	LastCDCTS         string       `json:"last_cdc_ts"`
	LastSchema        []dfm.Column `json:"last_schema"`
	DBFactTable       string       `json:"db_fact_table"`
}

// WithSnapshotTS returns a copy of s with CurrentSnapshotTS replaced.
func (s Status) WithSnapshotTS(ts string) Status {
	s.CurrentSnapshotTS = ts
	return s
}

// WithCDCTS returns a copy of s with LastCDCTS replaced.
func (s Status) WithCDCTS(ts string) Status {
	s.LastCDCTS = ts
	return s
}

// WithSchema returns a copy of s with LastSchema replaced.
func (s Status) WithSchema(cols []dfm.Column) Status {
	s.LastSchema = cols
	return s
}

// AppendColumns returns a copy of s with cols appended to LastSchema, used
// after a successful schema-extension (ADD COLUMN) recovery.
func (s Status) AppendColumns(cols []dfm.Column) Status {
	merged := make([]dfm.Column, len(s.LastSchema), len(s.LastSchema)+len(cols))
	copy(merged, s.LastSchema)
	merged = append(merged, cols...)
	s.LastSchema = merged
	return s
}

// Store loads and persists Status documents in object storage at
// <archive>/<qlikRoot>/rds_load_status/<TABLE>.json, per spec.md §6.
type Store struct {
	objStore objstore.Client
	bucket   string
	qlikRoot string
}

// NewStore builds a Store rooted at bucket/qlikRoot.
func NewStore(objStore objstore.Client, bucket, qlikRoot string) *Store {
	return &Store{objStore: objStore, bucket: bucket, qlikRoot: qlikRoot}
}

func (s *Store) uri(table string) objstore.URI {
	return objstore.Join(s.bucket, s.qlikRoot, "rds_load_status", table+".json")
}

// InitialStatus is the fallback Status synthesized on first run, built
// from the newest discovered snapshot when no status object exists yet.
type InitialStatus struct {
	SnapshotTS  string
	Schema      []dfm.Column
	DBFactTable string
}

// Load returns the table's persisted Status. If no status object exists
// yet, it synthesizes one from initial (the latest snapshot's .dfm) and
// persists it before returning, per spec.md §4.4.
func (s *Store) Load(ctx context.Context, table string, initial InitialStatus) (Status, error) {
	uri := s.uri(table)

	exists, err := s.objStore.Exists(ctx, uri)
	if err != nil {
		return Status{}, fmt.Errorf("failed to check status object for %s: %w", table, err)
	}

	if !exists {
		fresh := Status{
			CurrentSnapshotTS: initial.SnapshotTS,
			LastCDCTS:         "",
			LastSchema:        initial.Schema,
			DBFactTable:       initial.DBFactTable,
		}
		if err := s.Save(ctx, table, fresh); err != nil {
			return Status{}, fmt.Errorf("failed to persist initial status for %s: %w", table, err)
		}
		return fresh, nil
	}

	rc, err := s.objStore.Get(ctx, uri)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read status object for %s: %w", table, err)
	}
	defer rc.Close()

	var st Status
	if err := json.NewDecoder(rc).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("failed to parse status document for %s: %w", table, err)
	}
	return st, nil
}

// Save writes st to a temp file and atomically Puts it to the table's
// status URI.
func (s *Store) Save(ctx context.Context, table string, st Status) error {
	tmp, err := os.CreateTemp("", "dmap-loader-status-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(st); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode status for %s: %w", table, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush status file: %w", err)
	}

	if err := s.objStore.Put(ctx, tmpPath, s.uri(table), map[string]string{"content-type": "application/json"}); err != nil {
		return fmt.Errorf("failed to upload status for %s: %w", table, err)
	}
	return nil
}

// Delete removes the persisted status object for table. Used when the
// controller detects a snapshot rotation and resets the table from
// scratch (spec.md §4.7).
func (s *Store) Delete(ctx context.Context, table string) error {
	if err := s.objStore.Delete(ctx, s.uri(table)); err != nil {
		return fmt.Errorf("failed to delete status object for %s: %w", table, err)
	}
	return nil
}
