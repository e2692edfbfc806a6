package schema

import (
	"math/big"
)

// DataType enumerates the column types rows can carry
type DataType string

const (
	TypeText      DataType = "text"
	TypeDouble    DataType = "double"
	TypeBool      DataType = "bool"
	TypeTimestamp DataType = "timestamp"
	TypeBigInt    DataType = "bigint"
	TypeBinary    DataType = "binary"
	TypeComplex   DataType = "complex"
	TypeDecimal   DataType = "decimal"
	TypeWei       DataType = "wei"
)

// Hint marks column roles that destinations may honor at table creation
type Hint string

const (
	HintNotNull    Hint = "not_null"
	HintPartition  Hint = "partition"
	HintCluster    Hint = "cluster"
	HintPrimaryKey Hint = "primary_key"
	HintForeignKey Hint = "foreign_key"
	HintSort       Hint = "sort"
	HintUnique     Hint = "unique"
)

// WriteDisposition tells the destination how to apply a table's files
type WriteDisposition string

const (
	WriteAppend  WriteDisposition = "append"
	WriteReplace WriteDisposition = "replace"
	WriteSkip    WriteDisposition = "skip"
)

// DefaultWriteDisposition applies to root tables that do not set one
const DefaultWriteDisposition = WriteAppend

// System column and table names. These are a wire contract shared with
// every destination and must not change.
const (
	RowIDColumn    = "_dlt_id"
	ParentIDColumn = "_dlt_parent_id"
	ListIdxColumn  = "_dlt_list_idx"
	LoadIDColumn   = "_dlt_load_id"
	RootIDColumn   = "_dlt_root_id"

	VersionTableName = "_dlt_version"
	LoadsTableName   = "_dlt_loads"
)

// EngineVersion is the current stored schema engine version
const EngineVersion = 3

// PathSeparator joins nested table and column paths
const PathSeparator = "__"

// Column describes a single typed column. The Name field is dropped on
// save and restored from the map key on load.
type Column struct {
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	DataType   DataType `yaml:"data_type" json:"data_type"`
	Nullable   bool     `yaml:"nullable" json:"nullable"`
	Partition  bool     `yaml:"partition,omitempty" json:"partition,omitempty"`
	Cluster    bool     `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	PrimaryKey bool     `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	ForeignKey bool     `yaml:"foreign_key,omitempty" json:"foreign_key,omitempty"`
	Sort       bool     `yaml:"sort,omitempty" json:"sort,omitempty"`
	Unique     bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// HasHint reports whether the column carries the hint
func (c *Column) HasHint(h Hint) bool {
	switch h {
	case HintNotNull:
		return !c.Nullable
	case HintPartition:
		return c.Partition
	case HintCluster:
		return c.Cluster
	case HintPrimaryKey:
		return c.PrimaryKey
	case HintForeignKey:
		return c.ForeignKey
	case HintSort:
		return c.Sort
	case HintUnique:
		return c.Unique
	}
	return false
}

// Clone returns a copy of the column
func (c *Column) Clone() *Column {
	cc := *c
	return &cc
}

// Filters hold per-table row path filters. Excludes drop matching
// column paths, includes carve exceptions out of the excludes.
type Filters struct {
	Excludes []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	Includes []string `yaml:"includes,omitempty" json:"includes,omitempty"`
}

// Table describes one table: its columns in definition order plus
// lineage and load behavior.
type Table struct {
	Name             string               `yaml:"name,omitempty" json:"name,omitempty"`
	Parent           string               `yaml:"parent,omitempty" json:"parent,omitempty"`
	WriteDisposition WriteDisposition     `yaml:"write_disposition,omitempty" json:"write_disposition,omitempty"`
	Description      string               `yaml:"description,omitempty" json:"description,omitempty"`
	Filters          *Filters             `yaml:"filters,omitempty" json:"filters,omitempty"`
	Columns          *OrderedMap[*Column] `yaml:"columns" json:"columns"`
}

// NewTable creates a table. Root tables (no parent) get the default
// write disposition.
func NewTable(name, parent string) *Table {
	t := &Table{
		Name:    name,
		Parent:  parent,
		Columns: NewOrderedMap[*Column](),
	}
	if parent == "" {
		t.WriteDisposition = DefaultWriteDisposition
	}
	return t
}

// Clone returns a deep copy of the table
func (t *Table) Clone() *Table {
	ct := *t
	if t.Filters != nil {
		f := *t.Filters
		f.Excludes = append([]string(nil), t.Filters.Excludes...)
		f.Includes = append([]string(nil), t.Filters.Includes...)
		ct.Filters = &f
	}
	ct.Columns = NewOrderedMap[*Column]()
	if t.Columns != nil {
		for _, name := range t.Columns.Keys() {
			col, _ := t.Columns.Get(name)
			ct.Columns.Set(name, col.Clone())
		}
	}
	return &ct
}

// Settings carry schema-wide behavior: hint seeding, preferred types
// by column name and the sealed flag.
type Settings struct {
	DefaultHints   *OrderedMap[[]string] `yaml:"default_hints,omitempty" json:"default_hints,omitempty"`
	PreferredTypes *OrderedMap[DataType] `yaml:"preferred_types,omitempty" json:"preferred_types,omitempty"`
	SchemaSealed   bool                  `yaml:"schema_sealed,omitempty" json:"schema_sealed,omitempty"`
}

// NormalizersConfig selects naming and JSON normalization behavior and
// is persisted with the schema so data is normalized the same way on
// every run.
type NormalizersConfig struct {
	Names      string         `yaml:"names" json:"names"`
	Detections []string       `yaml:"detections,omitempty" json:"detections,omitempty"`
	JSON       JSONNormConfig `yaml:"json" json:"json"`
}

// JSONNormConfig configures the relational JSON normalizer
type JSONNormConfig struct {
	MaxNesting  int                `yaml:"max_nesting,omitempty" json:"max_nesting,omitempty"`
	Propagation *PropagationConfig `yaml:"propagation,omitempty" json:"propagation,omitempty"`
}

// PropagationConfig maps row fields to column names propagated into
// all descendant rows. Root applies to top-level rows only, Tables to
// rows of the named table.
type PropagationConfig struct {
	Root   map[string]string            `yaml:"root,omitempty" json:"root,omitempty"`
	Tables map[string]map[string]string `yaml:"tables,omitempty" json:"tables,omitempty"`
}

// DefaultNormalizers returns the normalizer configuration for fresh
// schemas: snake_case naming, both type detections and root row id
// propagation to descendants.
func DefaultNormalizers() NormalizersConfig {
	return NormalizersConfig{
		Names:      "snake_case",
		Detections: []string{"timestamp", "iso_timestamp"},
		JSON: JSONNormConfig{
			Propagation: &PropagationConfig{
				Root: map[string]string{RowIDColumn: RootIDColumn},
			},
		},
	}
}

// StoredSchema is the serialized schema form
type StoredSchema struct {
	Version       int                 `yaml:"version" json:"version"`
	EngineVersion int                 `yaml:"engine_version" json:"engine_version"`
	Name          string              `yaml:"name" json:"name"`
	Tables        *OrderedMap[*Table] `yaml:"tables" json:"tables"`
	Settings      Settings            `yaml:"settings" json:"settings"`
	Normalizers   NormalizersConfig   `yaml:"normalizers" json:"normalizers"`
}

// Decimal is a fixed-point number kept in its parsed string form
type Decimal string

// Rat parses the decimal into a rational, reporting success
func (d Decimal) Rat() (*big.Rat, bool) {
	r := new(big.Rat)
	_, ok := r.SetString(string(d))
	return r, ok
}

// IsInteger reports whether the decimal has no fractional part
func (d Decimal) IsInteger() bool {
	r, ok := d.Rat()
	return ok && r.IsInt()
}
