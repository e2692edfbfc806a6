package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Schema tracks the shape of every table a source produces: typed
// columns, table lineage, row filters and type preferences. It changes
// only by accretion and its version counts persisted revisions.
type Schema struct {
	name    string
	version int
	dirty   bool

	tables      *OrderedMap[*Table]
	settings    Settings
	normalizers NormalizersConfig

	preferredTypes []preferredType
	hints          map[Hint][]*regexp.Regexp
	excludes       map[string][]*regexp.Regexp
	includes       map[string][]*regexp.Regexp
}

type preferredType struct {
	re *regexp.Regexp
	dt DataType
}

// New creates an empty schema at version 1 with the system tables and
// system column hints in place. The name must already be in normalized
// form.
func New(name string) (*Schema, error) {
	if name == "" || name != NormalizeSchemaName(name) {
		return nil, &InvalidSchemaNameError{Name: name, Normalized: NormalizeSchemaName(name)}
	}
	s := &Schema{
		name:        name,
		version:     1,
		tables:      NewOrderedMap[*Table](),
		normalizers: DefaultNormalizers(),
	}
	s.tables.Set(VersionTableName, VersionTable())
	s.tables.Set(LoadsTableName, LoadsTable())
	if err := s.applySystemHints(); err != nil {
		return nil, err
	}
	// construction is not a schema change
	s.dirty = false
	return s, nil
}

// FromStored rebuilds a schema from its stored form. The stored form
// must already be at the current engine version.
func FromStored(stored *StoredSchema) (*Schema, error) {
	if stored.EngineVersion != EngineVersion {
		return nil, &NoUpgradePathError{Name: stored.Name, Stored: stored.EngineVersion, Reached: stored.EngineVersion, Target: EngineVersion}
	}
	if stored.Name == "" || stored.Name != NormalizeSchemaName(stored.Name) {
		return nil, &InvalidSchemaNameError{Name: stored.Name, Normalized: NormalizeSchemaName(stored.Name)}
	}
	s := &Schema{
		name:        stored.Name,
		version:     stored.Version,
		tables:      stored.Tables,
		settings:    stored.Settings,
		normalizers: stored.Normalizers,
	}
	if s.tables == nil {
		s.tables = NewOrderedMap[*Table]()
	}
	applyDefaults(s.tables)
	for _, name := range s.tables.Keys() {
		t, _ := s.tables.Get(name)
		if t.Parent != "" {
			if _, ok := s.tables.Get(t.Parent); !ok {
				return nil, &ParentTableNotFoundError{Table: name, Parent: t.Parent}
			}
		}
	}
	for _, required := range []string{VersionTableName, LoadsTableName} {
		if _, ok := s.tables.Get(required); !ok {
			return nil, &SchemaCorruptedError{Reason: fmt.Sprintf("schema must contain table %s", required)}
		}
	}
	if base := normalizerBaseName(s.normalizers.Names); base != "snake_case" {
		return nil, &SchemaCorruptedError{Reason: fmt.Sprintf("unknown names normalizer %q", s.normalizers.Names)}
	}
	s.normalizers.Names = "snake_case"
	if err := s.applySystemHints(); err != nil {
		return nil, err
	}
	return s, nil
}

// legacy stored schemas carry normalizer module paths
func normalizerBaseName(names string) string {
	if i := strings.LastIndex(names, "."); i >= 0 {
		return names[i+1:]
	}
	return names
}

// applyDefaults restores the fields the stored form drops: names from
// map keys and the default write disposition on root tables.
func applyDefaults(tables *OrderedMap[*Table]) {
	for _, name := range tables.Keys() {
		t, _ := tables.Get(name)
		t.Name = name
		if t.Parent == "" && t.WriteDisposition == "" {
			t.WriteDisposition = DefaultWriteDisposition
		}
		if t.Columns == nil {
			t.Columns = NewOrderedMap[*Column]()
		}
		for _, cn := range t.Columns.Keys() {
			c, _ := t.Columns.Get(cn)
			c.Name = cn
		}
	}
}

// Name returns the schema name
func (s *Schema) Name() string {
	return s.name
}

// Version returns the persisted revision count
func (s *Schema) Version() int {
	return s.version
}

// IsDirty reports whether the schema changed since the last version
// bump.
func (s *Schema) IsDirty() bool {
	return s.dirty
}

// BumpVersion increments the version if the schema changed since the
// last bump and returns the current version. Callers bump right before
// persisting so any number of changes costs one revision.
func (s *Schema) BumpVersion() int {
	if s.dirty {
		s.version++
		s.dirty = false
	}
	return s.version
}

// Normalizers returns the normalizer configuration the schema was
// created with.
func (s *Schema) Normalizers() NormalizersConfig {
	return s.normalizers
}

// Seal closes the schema for changes. Rows that would add tables or
// columns to a sealed schema fail instead.
func (s *Schema) Seal() {
	if !s.settings.SchemaSealed {
		s.settings.SchemaSealed = true
		s.dirty = true
	}
}

// IsSealed reports whether the schema rejects new tables and columns
func (s *Schema) IsSealed() bool {
	return s.settings.SchemaSealed
}

// Table returns the table definition if present
func (s *Schema) Table(name string) (*Table, bool) {
	return s.tables.Get(name)
}

// TableColumns returns the table's columns in definition order
func (s *Schema) TableColumns(name string) (*OrderedMap[*Column], bool) {
	t, ok := s.tables.Get(name)
	if !ok {
		return nil, false
	}
	return t.Columns, true
}

// AllTables lists tables in definition order. System tables (the
// "_dlt" prefix) are skipped unless requested.
func (s *Schema) AllTables(withSystem bool) []*Table {
	var tables []*Table
	for _, name := range s.tables.Keys() {
		if !withSystem && strings.HasPrefix(name, "_dlt") {
			continue
		}
		t, _ := s.tables.Get(name)
		tables = append(tables, t)
	}
	return tables
}

// WriteDisposition resolves the effective disposition for a table,
// walking up to the root table when child tables do not set one.
func (s *Schema) WriteDisposition(tableName string) (WriteDisposition, error) {
	t, ok := s.tables.Get(tableName)
	if !ok {
		return "", fmt.Errorf("table %s is not known in schema %s", tableName, s.name)
	}
	if t.WriteDisposition != "" {
		return t.WriteDisposition, nil
	}
	return s.WriteDisposition(t.Parent)
}

// PreferredType returns the type preference for a column name, first
// matching pattern wins.
func (s *Schema) PreferredType(colName string) (DataType, bool) {
	for _, pt := range s.preferredTypes {
		if pt.re.MatchString(colName) {
			return pt.dt, true
		}
	}
	return "", false
}

// CoerceRow fits a row into the table: values convert into existing
// column types and unknown fields become inferred columns returned in
// a partial table. Nil values only verify nullability and are dropped
// from the row. A value that cannot convert fails the whole row.
func (s *Schema) CoerceRow(tableName, parentTable string, row map[string]any) (map[string]any, *Table, error) {
	table, ok := s.tables.Get(tableName)
	if !ok {
		table = NewTable(tableName, parentTable)
	}
	cols := table.Columns

	var partial *Table
	newRow := make(map[string]any, len(row))
	for _, name := range sortedKeys(row) {
		v := row[name]
		if v == nil {
			if col, ok := cols.Get(name); ok && !col.Nullable {
				return nil, nil, &CannotCoerceNullError{Table: tableName, Column: name}
			}
			continue
		}
		if existing, ok := cols.Get(name); ok {
			rv, err := coerceValue(existing.DataType, valueType(v), v)
			if err != nil {
				return nil, nil, &CannotCoerceColumnError{Table: tableName, Column: name, From: valueType(v), To: existing.DataType, Value: v}
			}
			newRow[name] = rv
		} else {
			col := s.inferColumn(name, v)
			rv, err := coerceValue(col.DataType, valueType(v), v)
			if err != nil {
				return nil, nil, &CannotCoerceColumnError{Table: tableName, Column: name, From: valueType(v), To: col.DataType, Value: v}
			}
			newRow[name] = rv
			if partial == nil {
				partial = table.Clone()
				partial.Columns = NewOrderedMap[*Column]()
			}
			partial.Columns.Set(name, col)
		}
	}
	return newRow, partial, nil
}

// UpdateTable merges a partial table into the schema. New tables and
// columns are added, existing columns only ever weaken from not-null
// to nullable; a type change is an error. Lineage and disposition are
// immutable once set.
func (s *Schema) UpdateTable(partial *Table) error {
	tableName := partial.Name
	if partial.Parent != "" {
		if _, ok := s.tables.Get(partial.Parent); !ok {
			return &ParentTableNotFoundError{Table: tableName, Parent: partial.Parent}
		}
	}
	table, ok := s.tables.Get(tableName)
	if !ok {
		if s.settings.SchemaSealed {
			return &SchemaIsSealedError{Table: tableName}
		}
		if partial.Columns == nil {
			partial.Columns = NewOrderedMap[*Column]()
		}
		s.tables.Set(tableName, partial)
		s.dirty = true
		return nil
	}
	if table.Parent != partial.Parent {
		return &TablePropertiesClashError{Table: tableName, Property: "parent", Existing: table.Parent, Incoming: partial.Parent}
	}
	if table.WriteDisposition != partial.WriteDisposition {
		return &TablePropertiesClashError{Table: tableName, Property: "write_disposition", Existing: string(table.WriteDisposition), Incoming: string(partial.WriteDisposition)}
	}
	for _, name := range partial.Columns.Keys() {
		col, _ := partial.Columns.Get(name)
		existing, ok := table.Columns.Get(name)
		if !ok {
			if s.settings.SchemaSealed {
				return &SchemaIsSealedError{Table: tableName, Column: name}
			}
			table.Columns.Set(name, col)
			s.dirty = true
			continue
		}
		if existing.DataType != col.DataType {
			return &CannotCoerceColumnError{Table: tableName, Column: name, From: col.DataType, To: existing.DataType}
		}
		if !existing.Nullable && col.Nullable {
			existing.Nullable = true
			s.dirty = true
		}
		// all other hint differences are ignored
	}
	return nil
}

// FilterRow drops row fields matched by exclude filters of the table
// or any of its path ancestors, unless an include filter keeps them.
// Ancestors come from the table path, they do not need to exist in the
// schema, which lets filters suppress whole child tables.
func (s *Schema) FilterRow(tableName string, row map[string]any) map[string]any {
	if len(s.excludes) == 0 {
		return row
	}
	branch := BreakPath(tableName)
	for i := len(branch); i > 0; i-- {
		ct := MakePath(branch[:i]...)
		excludes := s.excludes[ct]
		if len(excludes) == 0 {
			continue
		}
		includes := s.includes[ct]
		for _, field := range sortedKeys(row) {
			parts := append(append([]string{}, branch[i:]...), field)
			path := MakePath(parts...)
			if excludePath(path, excludes, includes) {
				delete(row, field)
			}
		}
		if len(row) == 0 {
			break
		}
	}
	return row
}

// includes carve exceptions out of excludes
func excludePath(path string, excludes, includes []*regexp.Regexp) bool {
	excluded := false
	for _, re := range excludes {
		if re.MatchString(path) {
			excluded = true
			break
		}
	}
	if !excluded {
		return false
	}
	for _, re := range includes {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

// RowWithHint selects the row fields whose columns carry the hint,
// in column definition order. For tables not yet in the schema the
// hint is inferred from the configured hint patterns instead.
func (s *Schema) RowWithHint(tableName string, hint Hint, row map[string]any) ([]string, []any) {
	var names []string
	var values []any
	if table, ok := s.tables.Get(tableName); ok {
		for _, name := range table.Columns.Keys() {
			v, inRow := row[name]
			if !inRow {
				continue
			}
			col, _ := table.Columns.Get(name)
			if col.HasHint(hint) {
				names = append(names, name)
				values = append(values, v)
			}
		}
		return names, values
	}
	for _, name := range sortedKeys(row) {
		if s.inferHint(hint, name) {
			names = append(names, name)
			values = append(values, row[name])
		}
	}
	return names, values
}

// MergeHints adds hint patterns to the schema settings, deduplicating
// while keeping the order patterns were added in.
func (s *Schema) MergeHints(newHints map[Hint][]string) error {
	for _, patterns := range newHints {
		for _, p := range patterns {
			if err := validateSimpleRegex(p); err != nil {
				return err
			}
		}
	}
	if s.settings.DefaultHints == nil {
		s.settings.DefaultHints = NewOrderedMap[[]string]()
	}
	hintNames := make([]string, 0, len(newHints))
	for h := range newHints {
		hintNames = append(hintNames, string(h))
	}
	sort.Strings(hintNames)
	for _, h := range hintNames {
		existing, _ := s.settings.DefaultHints.Get(h)
		for _, p := range newHints[Hint(h)] {
			if !containsString(existing, p) {
				existing = append(existing, p)
				s.dirty = true
			}
		}
		s.settings.DefaultHints.Set(h, existing)
	}
	return s.compileSettings()
}

// ColumnsToAdd diffs the schema table against the columns a
// destination table already has and returns the missing ones, in
// definition order. Unknown tables yield nothing.
func (s *Schema) ColumnsToAdd(tableName string, existing map[string]bool) []*Column {
	table, ok := s.tables.Get(tableName)
	if !ok {
		return nil
	}
	var missing []*Column
	for _, name := range table.Columns.Keys() {
		if !existing[name] {
			col, _ := table.Columns.Get(name)
			missing = append(missing, col)
		}
	}
	return missing
}

// Stored returns the serialized form with defaults removed: names live
// in the map keys and false hints are dropped, nullable always stays
// explicit.
func (s *Schema) Stored() *StoredSchema {
	tables := NewOrderedMap[*Table]()
	for _, name := range s.tables.Keys() {
		t, _ := s.tables.Get(name)
		ct := t.Clone()
		ct.Name = ""
		for _, cn := range ct.Columns.Keys() {
			c, _ := ct.Columns.Get(cn)
			c.Name = ""
		}
		tables.Set(name, ct)
	}
	return &StoredSchema{
		Version:       s.version,
		EngineVersion: EngineVersion,
		Name:          s.name,
		Tables:        tables,
		Settings:      s.settings,
		Normalizers:   s.normalizers,
	}
}

// system columns get their hints through the regular hint settings so
// destinations see them the same way as user hints
func (s *Schema) applySystemHints() error {
	return s.MergeHints(map[Hint][]string{
		HintNotNull:    {RowIDColumn, RootIDColumn, ParentIDColumn, ListIdxColumn, LoadIDColumn},
		HintForeignKey: {ParentIDColumn},
		HintUnique:     {RowIDColumn},
	})
}

// compileSimpleRegex compiles a hint or filter pattern. Patterns with
// the "re:" prefix are used as-is, anything else matches exactly.
func compileSimpleRegex(pattern string) (*regexp.Regexp, error) {
	if strings.HasPrefix(pattern, "re:") {
		return regexp.Compile(pattern[3:])
	}
	return regexp.Compile("^" + regexp.QuoteMeta(pattern) + "$")
}

func validateSimpleRegex(pattern string) error {
	if strings.HasPrefix(pattern, "re:") {
		if _, err := regexp.Compile(pattern[3:]); err != nil {
			return fmt.Errorf("pattern %q does not compile: %w", pattern, err)
		}
		return nil
	}
	if pattern == "" {
		return fmt.Errorf("empty hint pattern")
	}
	c := pattern[0]
	isWord := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	if !isWord {
		return fmt.Errorf("pattern %q looks like a regex, prefix it with re:", pattern)
	}
	return nil
}

func (s *Schema) compileSettings() error {
	s.preferredTypes = nil
	s.hints = map[Hint][]*regexp.Regexp{}
	s.excludes = map[string][]*regexp.Regexp{}
	s.includes = map[string][]*regexp.Regexp{}

	if pt := s.settings.PreferredTypes; pt != nil {
		for _, pattern := range pt.Keys() {
			dt, _ := pt.Get(pattern)
			re, err := compileSimpleRegex(pattern)
			if err != nil {
				return fmt.Errorf("preferred type pattern %q: %w", pattern, err)
			}
			s.preferredTypes = append(s.preferredTypes, preferredType{re: re, dt: dt})
		}
	}
	if dh := s.settings.DefaultHints; dh != nil {
		for _, h := range dh.Keys() {
			patterns, _ := dh.Get(h)
			for _, p := range patterns {
				re, err := compileSimpleRegex(p)
				if err != nil {
					return fmt.Errorf("hint %s pattern %q: %w", h, p, err)
				}
				s.hints[Hint(h)] = append(s.hints[Hint(h)], re)
			}
		}
	}
	for _, name := range s.tables.Keys() {
		t, _ := s.tables.Get(name)
		if t.Filters == nil {
			continue
		}
		for _, p := range t.Filters.Excludes {
			re, err := compileSimpleRegex(p)
			if err != nil {
				return fmt.Errorf("exclude filter %q on table %s: %w", p, name, err)
			}
			s.excludes[name] = append(s.excludes[name], re)
		}
		for _, p := range t.Filters.Includes {
			re, err := compileSimpleRegex(p)
			if err != nil {
				return fmt.Errorf("include filter %q on table %s: %w", p, name, err)
			}
			s.includes[name] = append(s.includes[name], re)
		}
	}
	return nil
}

// row field order is not defined, iterate deterministically
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsString(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
