// Package ddl is the DDL generator described in spec.md §4.3 (C3): maps
// QLIK column types to Postgres types and emits the SQL that creates,
// extends, and drops the fact/history/staging triplet, plus the bulk
// merge statements the CDC engine drives.
//
// Grounded on indexer/pkg/clickhouse/dataset's DimensionSchema/FactSchema
// split, adapted from ClickHouse DDL to Postgres DDL (range-partitioned
// history instead of ReplacingMergeTree, explicit indexes instead of
// ORDER BY sort keys).
package ddl

import (
	"fmt"
	"strings"
	"time"
)

// ColumnSpec describes one warehouse column derived from a QLIK .dfm
// sidecar.
type ColumnSpec struct {
	Name          string
	QlikType      string
	Scale         int
	Precision     int
	PrimaryKeyPos int // 0 means "not part of the key"
	Nullable      bool
}

// PGType returns the mapped Postgres column type for the spec.
func (c ColumnSpec) PGType() string {
	return MapType(c.QlikType, c.Scale, c.Precision)
}

// MapType implements spec.md §4.3's QLIK-to-Postgres type mapping.
func MapType(qlikType string, scale, precision int) string {
	switch strings.ToUpper(qlikType) {
	case "CHANGE_OPER":
		return "CHAR(1)"
	case "CHANGE_SEQ":
		return "NUMERIC(35,0)"
	case "REAL4":
		return "REAL"
	case "REAL8":
		return "DOUBLE PRECISION"
	case "BOOLEAN":
		return "BOOLEAN"
	case "DATE":
		return "DATE"
	case "TIME":
		return "TIME WITHOUT TIME ZONE"
	case "DATETIME":
		return "TIMESTAMP WITHOUT TIME ZONE"
	}

	upper := strings.ToUpper(qlikType)
	switch {
	case strings.Contains(upper, "INT1"), strings.Contains(upper, "INT2"):
		return "SMALLINT"
	case strings.Contains(upper, "INT3"):
		return "INTEGER"
	case strings.Contains(upper, "INT4"):
		return "BIGINT"
	case strings.Contains(upper, "NUMERIC"):
		if scale == 0 && precision < 19 {
			return "BIGINT"
		}
		return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale)
	}

	return "VARCHAR"
}

// CDCColumns are the three synthetic columns every CDC row carries,
// required to be present in every .dfm/header verification (spec.md §4.5
// step 2).
var CDCColumns = []string{"header__timestamp", "header__change_oper", "header__change_seq"}

// KeyColumns returns the columns with PrimaryKeyPos > 0, ordered by
// position.
func KeyColumns(cols []ColumnSpec) []ColumnSpec {
	var keys []ColumnSpec
	for _, c := range cols {
		if c.PrimaryKeyPos > 0 {
			keys = append(keys, c)
		}
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1].PrimaryKeyPos > keys[j].PrimaryKeyPos; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// TripletNames returns the fact/history/staging table names derived from
// an upstream "SCHEMA.TABLE" identifier.
func TripletNames(table string) (fact, history, staging string) {
	base := strings.ToLower(strings.ReplaceAll(table, ".", "_"))
	return base, base + "_history", base + "_staging"
}

// CreateTriplet emits the DDL that creates the fact table (data columns
// only), a non-unique index on the key columns, a range-partitioned
// history table, a staging table, and an index on history supporting the
// last-writer-wins dedup query in the CDC engine.
func CreateTriplet(schema string, table string, cols []ColumnSpec) []string {
	fact, history, staging := TripletNames(table)
	factQN := qualify(schema, fact)
	historyQN := qualify(schema, history)
	stagingQN := qualify(schema, staging)

	var stmts []string

	stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema)))
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", factQN, columnDefs(cols, false)))

	keys := KeyColumns(cols)
	if len(keys) > 0 {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(fact+"_key_idx"), factQN, columnNameList(keys),
		))
	}

	stmts = append(stmts, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n%s\n) PARTITION BY RANGE (header__timestamp)",
		historyQN, columnDefs(withCDCColumns(cols), true),
	))

	if len(keys) > 0 {
		historyIdxCols := columnNameList(keys) + ", header__change_oper, header__change_seq DESC"
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(history+"_dedup_idx"), historyQN, historyIdxCols,
		))
	}

	stmts = append(stmts, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n%s\n)",
		stagingQN, columnDefs(withCDCColumns(cols), true),
	))

	return stmts
}

// CreateHistoryPartitions emits one CREATE TABLE ... PARTITION OF per
// month from startTS's month (or the current month, if startTS is zero)
// through three months ahead, per spec.md §4.3.
func CreateHistoryPartitions(schema, table string, startTS time.Time) []string {
	_, history, _ := TripletNames(table)
	historyQN := qualify(schema, history)

	if startTS.IsZero() {
		startTS = time.Now().UTC()
	}
	month := time.Date(startTS.Year(), startTS.Month(), 1, 0, 0, 0, 0, time.UTC)

	var stmts []string
	for i := 0; i < 4; i++ {
		from := month.AddDate(0, i, 0)
		to := from.AddDate(0, 1, 0)
		partName := fmt.Sprintf("%s_%04d%02d", history, from.Year(), int(from.Month()))
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
			quoteIdent(partName), historyQN,
			from.Format("2006-01-02"), to.Format("2006-01-02"),
		))
	}
	return stmts
}

// AddColumns emits ALTER TABLE ... ADD COLUMN IF NOT EXISTS against fact,
// history, and staging for each of cols.
func AddColumns(schema, table string, cols []ColumnSpec) []string {
	fact, history, staging := TripletNames(table)
	var stmts []string
	for _, qn := range []string{qualify(schema, fact), qualify(schema, history), qualify(schema, staging)} {
		for _, c := range cols {
			stmts = append(stmts, fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				qn, quoteIdent(c.Name), c.PGType(),
			))
		}
	}
	return stmts
}

// DropTriplet emits a cascading drop of fact, history, and staging. Used
// only when the triplet itself is being retired outright; the snapshot
// reset path (spec.md §4.4) uses DropHistory + Pool.Truncate instead, since a reset must preserve the fact table
// (and anything depending on it, such as a materialized view) rather
// than drop it.
func DropTriplet(schema, table string) []string {
	fact, history, staging := TripletNames(table)
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qualify(schema, staging)),
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qualify(schema, history)),
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qualify(schema, fact)),
	}
}

// DropHistory emits a drop of just the history table, for the snapshot
// reset path: spec.md §4.4's state diagram calls for "drop history,
// truncate fact" on reset, not a drop of the whole triplet.
func DropHistory(schema, table string) string {
	_, history, _ := TripletNames(table)
	return fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qualify(schema, history))
}

// OpKeyPair is one key column paired with the join operator to use
// against it: "=" for a column known to be non-nullable in the staged
// batch, or a null-safe operator otherwise (spec.md §4.3, §7.4).
type OpKeyPair struct {
	Column   string
	Nullable bool
}

func (p OpKeyPair) operator() string {
	if p.Nullable {
		return "IS NOT DISTINCT FROM"
	}
	return "="
}

func (p OpKeyPair) clause(factAlias, tempAlias string) string {
	return fmt.Sprintf("%s.%s %s %s.%s", factAlias, quoteIdent(p.Column), p.operator(), tempAlias, quoteIdent(p.Column))
}

// BulkInsertFromTemp emits INSERT INTO target(cols) SELECT cols FROM temp
// ON CONFLICT DO NOTHING.
func BulkInsertFromTemp(target, temp string, cols []string) string {
	colList := columnNameListStrings(cols)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT DO NOTHING", target, colList, colList, temp)
}

// BulkUpdateFromTemp emits UPDATE fact SET col = temp.col FROM temp WHERE
// <key conjunction>, joining on opKeys with the appropriate null-safe
// operator per key.
func BulkUpdateFromTemp(fact, temp, col string, opKeys []OpKeyPair) string {
	where := joinClauses(opKeys, "fact", "temp")
	return fmt.Sprintf(
		"UPDATE %s AS fact SET %s = temp.%s FROM %s AS temp WHERE %s",
		fact, quoteIdent(col), quoteIdent(col), temp, where,
	)
}

// BulkDeleteFromTemp emits DELETE FROM fact USING temp WHERE <key
// conjunction>.
func BulkDeleteFromTemp(fact, temp string, opKeys []OpKeyPair) string {
	where := joinClauses(opKeys, "fact", "temp")
	return fmt.Sprintf("DELETE FROM %s AS fact USING %s AS temp WHERE %s", fact, temp, where)
}

func joinClauses(pairs []OpKeyPair, factAlias, tempAlias string) string {
	clauses := make([]string, len(pairs))
	for i, p := range pairs {
		clauses[i] = p.clause(factAlias, tempAlias)
	}
	return strings.Join(clauses, " AND ")
}

func withCDCColumns(cols []ColumnSpec) []ColumnSpec {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c.Name] = true
	}
	out := make([]ColumnSpec, 0, len(cols)+len(CDCColumns))
	out = append(out, cols...)
	for _, name := range CDCColumns {
		if seen[name] {
			continue
		}
		qlikType := "CHANGE_OPER"
		if name == "header__change_seq" {
			qlikType = "CHANGE_SEQ"
		} else if name == "header__timestamp" {
			qlikType = "DATETIME"
		}
		out = append(out, ColumnSpec{Name: name, QlikType: qlikType, Nullable: false})
	}
	return out
}

func columnDefs(cols []ColumnSpec, nullableDefault bool) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		nullClause := ""
		if !c.Nullable && !nullableDefault {
			nullClause = " NOT NULL"
		}
		defs[i] = fmt.Sprintf("  %s %s%s", quoteIdent(c.Name), c.PGType(), nullClause)
	}
	return strings.Join(defs, ",\n")
}

func columnNameList(cols []ColumnSpec) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}

func columnNameListStrings(cols []string) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c)
	}
	return strings.Join(names, ", ")
}

func qualify(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

// QuoteIdent quotes a SQL identifier. Exported for callers (the CDC
// engine, the snapshot loader) that build ad hoc SQL beyond this
// package's fixed DDL/merge statements.
func QuoteIdent(s string) string { return quoteIdent(s) }

// Qualify returns a quoted "schema"."table" identifier.
func Qualify(schema, table string) string { return qualify(schema, table) }

// ColumnNames returns the Name field of each spec, in order.
func ColumnNames(cols []ColumnSpec) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// BulkInsertFromTempWhere is BulkInsertFromTemp restricted to the rows of
// temp matching where — used to apply only the CDC rows of a given
// operation (e.g. header__change_oper = 'I') into fact (spec.md §4.5 step
// 5).
func BulkInsertFromTempWhere(target, temp string, cols []string, where string) string {
	colList := columnNameListStrings(cols)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s ON CONFLICT DO NOTHING", target, colList, colList, temp, where)
}

// DedupLatestIntoTemp emits a CREATE TEMP TABLE ... AS SELECT DISTINCT ON
// (keyCols) statement that keeps, for each distinct key tuple among the
// rows of source matching where, only the row with the largest
// header__change_seq. This is the "push the dedup into SQL via DISTINCT
// ON" resolution spec.md §9 allows in place of an in-process DataFrame,
// used to stage a single-column UPDATE or a DELETE batch before
// BulkUpdateFromTemp/BulkDeleteFromTemp (spec.md §4.5 steps 6-7).
func DedupLatestIntoTemp(tempName, source string, keyCols, extraCols []string, where string) string {
	keyList := columnNameListStrings(keyCols)
	selectList := keyList
	if len(extraCols) > 0 {
		selectList += ", " + columnNameListStrings(extraCols)
	}
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s AS SELECT DISTINCT ON (%s) %s FROM %s WHERE %s ORDER BY %s, header__change_seq DESC",
		quoteIdent(tempName), keyList, selectList, source, where, keyList,
	)
}

// DropTempTable emits a DROP TABLE IF EXISTS for a session-scoped temp
// table created by DedupLatestIntoTemp.
func DropTempTable(tempName string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tempName))
}
