// Package dfm parses the ".dfm" sidecar JSON files QLIK drops next to
// every snapshot/CDC CSV batch, and converts them to the warehouse's
// ddl.ColumnSpec shape. Grounded on spec.md §3/§4.4/§4.5's description of
// the dataInfo.columns document; the original cubic_loader project this
// spec was distilled from carries the equivalent fields in its
// DFMSchemaFields TypedDict (qlik/utils.py).
package dfm

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mbta/dmap-loader/internal/warehouse/ddl"
)

// Column is one entry of dataInfo.columns in a .dfm file.
type Column struct {
	Ordinal       int    `json:"ordinal"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Length        int    `json:"length"`
	Precision     int    `json:"precision"`
	Scale         int    `json:"scale"`
	PrimaryKeyPos int    `json:"primaryKeyPos"`
}

// document is the top-level .dfm JSON shape.
type document struct {
	DataInfo struct {
		Columns []Column `json:"columns"`
	} `json:"dataInfo"`
}

// Parse reads a .dfm file's raw JSON and returns its column list in
// dataInfo.columns order.
func Parse(r io.Reader) ([]Column, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse .dfm document: %w", err)
	}
	return doc.DataInfo.Columns, nil
}

// ToColumnSpecs converts parsed .dfm columns into warehouse DDL column
// specs, excluding the synthetic CDC header columns (those are added
// separately by ddl.CreateTriplet).
func ToColumnSpecs(cols []Column) []ddl.ColumnSpec {
	out := make([]ddl.ColumnSpec, 0, len(cols))
	for _, c := range cols {
		if IsCDCColumn(c.Name) {
			continue
		}
		out = append(out, ddl.ColumnSpec{
			Name:          c.Name,
			QlikType:      c.Type,
			Scale:         c.Scale,
			Precision:     c.Precision,
			PrimaryKeyPos: c.PrimaryKeyPos,
			// Fact enforces no primary key and upstream allows NULLs in
			// key columns (spec.md §3), so every column is nullable; the
			// CDC engine instead falls back to IS NOT DISTINCT FROM joins
			// on every key column rather than assuming any are NOT NULL.
			Nullable: true,
		})
	}
	return out
}

// IsCDCColumn reports whether name is one of the three synthetic CDC
// header columns every row carries.
func IsCDCColumn(name string) bool {
	for _, c := range ddl.CDCColumns {
		if c == name {
			return true
		}
	}
	return false
}

// HasAllCDCColumns reports whether cols includes all three CDC header
// columns, required by spec.md §4.5 step 2 before a folder's schema can
// be verified.
func HasAllCDCColumns(cols []Column) bool {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c.Name] = true
	}
	for _, want := range ddl.CDCColumns {
		if !seen[want] {
			return false
		}
	}
	return true
}

// Names returns the column name set, in document order.
func Names(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Diff compares a candidate schema (e.g. freshly parsed from a CDC
// folder's .dfm) against the current truth schema (status.last_schema)
// per spec.md §4.5 step 2:
//   - NewColumns: names present in candidate but absent from truth.
//   - Changed: names present in both whose type/scale/precision/key
//     position differ — any non-empty Changed means ErrSchemaConflict.
type Diff struct {
	NewColumns []Column
	Changed    []string
}

// CompareSchemas computes the Diff between truth (status.last_schema)
// and candidate (a freshly observed CDC folder schema).
func CompareSchemas(truth, candidate []Column) Diff {
	truthByName := make(map[string]Column, len(truth))
	for _, c := range truth {
		truthByName[c.Name] = c
	}

	var diff Diff
	for _, c := range candidate {
		existing, ok := truthByName[c.Name]
		if !ok {
			diff.NewColumns = append(diff.NewColumns, c)
			continue
		}
		if existing.Type != c.Type ||
			existing.Scale != c.Scale ||
			existing.Precision != c.Precision ||
			existing.PrimaryKeyPos != c.PrimaryKeyPos {
			diff.Changed = append(diff.Changed, c.Name)
		}
	}
	return diff
}
