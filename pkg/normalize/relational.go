// Package normalize runs the normalize stage: committed extract
// batches are decoded, flattened into relational rows, coerced through
// the schema and written as load packages.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gantrydata/gantry/pkg/extract"
	"github.com/gantrydata/gantry/pkg/schema"
)

// Row is one normalized output row bound to its table. ParentTable is
// empty for root rows.
type Row struct {
	Table       string
	ParentTable string
	Data        map[string]any
}

const defaultMaxNesting = 1000

// ExtendSchema adds the linking hints the normalizer relies on. Safe
// to call repeatedly; schemas that already carry the hints are left
// unchanged.
func ExtendSchema(s *schema.Schema) error {
	return s.MergeHints(map[schema.Hint][]string{
		schema.HintNotNull: {
			schema.RowIDColumn, schema.RootIDColumn, schema.ParentIDColumn,
			schema.ListIdxColumn, schema.LoadIDColumn,
		},
		schema.HintForeignKey: {schema.ParentIDColumn},
		schema.HintUnique:     {schema.RowIDColumn},
	})
}

// NormalizeItem turns one extracted event into relational rows, each
// parent row emitted before every row derived from it. The routing
// metadata picks the root table, else the schema name; the metadata
// itself never becomes a row field.
func NormalizeItem(s *schema.Schema, event map[string]any, loadID string) []Row {
	root := make(map[string]any, len(event)+1)
	for k, v := range event {
		if k == extract.MetaField {
			continue
		}
		root[k] = v
	}
	root[schema.LoadIDColumn] = loadID
	tableName := extract.TableNameOf(event)
	if tableName == "" {
		tableName = s.Name()
	}
	return normalizeRow(s, root, nil, schema.NormalizeTableName(tableName), "", "", 0, 0)
}

// normalizeRow flattens one document, assigns its row id, links it to
// its parent and recurses into the extracted lists.
func normalizeRow(s *schema.Schema, dictRow, extend map[string]any, table, parentTable, parentRowID string, pos, rLvl int) []Row {
	topLevel := parentTable == ""
	flattened, lists := flatten(s, table, dictRow, rLvl)

	rowID, _ := flattened[schema.RowIDColumn].(string)
	if rowID == "" {
		if _, pkValues := s.RowWithHint(table, schema.HintPrimaryKey, flattened); len(pkValues) > 0 {
			parts := make([]string, len(pkValues))
			for i, v := range pkValues {
				parts[i] = fmt.Sprint(v)
			}
			rowID = schema.Digest128(strings.Join(parts, "_"))
		} else if !topLevel {
			rowID = childRowHash(parentRowID, table, pos)
		} else {
			rowID = schema.Digest128(schema.UniqID())
		}
		flattened[schema.RowIDColumn] = rowID
	}
	if !topLevel {
		addLinking(flattened, extend, parentRowID, pos)
	}

	extend = propagatedValues(s, table, flattened, topLevel, extend)

	rows := []Row{{Table: table, ParentTable: parentTable, Data: flattened}}
	for _, list := range lists {
		rows = append(rows, normalizeList(s, list.items, extend, schema.MakePath(table, list.path), table, rowID, rLvl+1)...)
	}
	return rows
}

// normalizeList emits one child row per element. Nested lists recurse
// into a further "list" child table; scalar elements become value
// rows with a deterministic id.
func normalizeList(s *schema.Schema, seq []any, extend map[string]any, table, parentTable, parentRowID string, rLvl int) []Row {
	var rows []Row
	for idx, v := range seq {
		switch el := v.(type) {
		case map[string]any:
			rows = append(rows, normalizeRow(s, el, extend, table, parentTable, parentRowID, idx, rLvl)...)
		case []any:
			rows = append(rows, normalizeList(s, el, extend, schema.MakePath(table, "list"), parentTable, parentRowID, rLvl+1)...)
		default:
			child := map[string]any{
				"value":            schema.NormalizeValue(el),
				schema.RowIDColumn: childRowHash(parentRowID, table, idx),
			}
			addLinking(child, extend, parentRowID, idx)
			rows = append(rows, Row{Table: table, ParentTable: parentTable, Data: child})
		}
	}
	return rows
}

// listField is a list extracted during flattening, keyed by its
// flattened path so child table names compose correctly.
type listField struct {
	path  string
	items []any
}

// flatten inlines nested dicts with path-joined column names and
// extracts lists for child table generation. Fields typed complex and
// anything past the nesting cap stay in place as one value.
func flatten(s *schema.Schema, table string, dictRow map[string]any, rLvl int) (map[string]any, []listField) {
	out := make(map[string]any, len(dictRow))
	var lists []listField

	var walk func(row map[string]any, lvl int, parentPath string)
	walk = func(row map[string]any, lvl int, parentPath string) {
		// sorted keys keep column creation order stable across runs
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := row[k]
			name := schema.NormalizeColumnName(k)
			if parentPath != "" {
				name = schema.MakePath(parentPath, name)
			}
			switch el := v.(type) {
			case map[string]any:
				if !isComplexType(s, table, name, lvl) {
					walk(el, lvl+1, name)
					continue
				}
			case []any:
				if !isComplexType(s, table, name, lvl) {
					lists = append(lists, listField{path: name, items: el})
					continue
				}
			}
			out[name] = v
		}
	}
	walk(dictRow, rLvl, "")
	return out, lists
}

// isComplexType decides whether a nested value stays a single complex
// value: the declared column type wins, then the preferred type, and
// every field at the nesting cap is complex.
func isComplexType(s *schema.Schema, table, fieldName string, rLvl int) bool {
	maxNesting := s.Normalizers().JSON.MaxNesting
	if maxNesting <= 0 {
		maxNesting = defaultMaxNesting
	}
	if rLvl >= maxNesting {
		return true
	}
	if cols, ok := s.TableColumns(table); ok {
		if col, ok := cols.Get(fieldName); ok {
			return col.DataType == schema.TypeComplex
		}
	}
	if dt, ok := s.PreferredType(fieldName); ok {
		return dt == schema.TypeComplex
	}
	return false
}

// childRowHash derives the deterministic child row id. Lists are
// ordered, so parent id, table and position identify the row.
func childRowHash(parentRowID, childTable string, idx int) string {
	return schema.Digest128(fmt.Sprintf("%s_%s_%d", parentRowID, childTable, idx))
}

func addLinking(row, extend map[string]any, parentRowID string, pos int) {
	row[schema.ParentIDColumn] = parentRowID
	row[schema.ListIdxColumn] = pos
	for k, v := range extend {
		row[k] = v
	}
}

// propagatedValues merges the configured propagation mappings matched
// against this row into a fresh extend map for its descendants.
func propagatedValues(s *schema.Schema, table string, row map[string]any, topLevel bool, extend map[string]any) map[string]any {
	cfg := s.Normalizers().JSON.Propagation
	merged := make(map[string]any, len(extend))
	for k, v := range extend {
		merged[k] = v
	}
	if cfg == nil {
		return merged
	}
	mappings := map[string]string{}
	if topLevel {
		for from, to := range cfg.Root {
			mappings[from] = to
		}
	}
	if perTable, ok := cfg.Tables[table]; ok {
		for from, to := range perTable {
			mappings[from] = to
		}
	}
	for from, to := range mappings {
		if v, ok := row[from]; ok {
			merged[to] = v
		}
	}
	return merged
}
