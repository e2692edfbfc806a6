package schema

import (
	"fmt"
)

// InvalidSchemaNameError is returned when a schema is created with a
// name that is not in normalized form.
type InvalidSchemaNameError struct {
	Name       string
	Normalized string
}

func (e *InvalidSchemaNameError) Error() string {
	return fmt.Sprintf("%q is an invalid schema name: only lowercase letters and digits are allowed, for example %q", e.Name, e.Normalized)
}

// CannotCoerceColumnError is returned when a value cannot be stored in
// an existing column without changing its data type. Column types are
// immutable, so this is fatal for the batch that produced it.
type CannotCoerceColumnError struct {
	Table    string
	Column   string
	From     DataType
	To       DataType
	Value    any
}

func (e *CannotCoerceColumnError) Error() string {
	return fmt.Sprintf("cannot coerce column %s.%s from %s to %s (value %v)", e.Table, e.Column, e.From, e.To, e.Value)
}

// CannotCoerceNullError is returned when a null value hits a column
// declared not nullable.
type CannotCoerceNullError struct {
	Table  string
	Column string
}

func (e *CannotCoerceNullError) Error() string {
	return fmt.Sprintf("cannot coerce null into non nullable column %s.%s", e.Table, e.Column)
}

// SchemaIsSealedError is returned when a sealed schema would have to
// grow a new table or column to accept data.
type SchemaIsSealedError struct {
	Table  string
	Column string
}

func (e *SchemaIsSealedError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema is sealed: cannot add column %s to table %s", e.Column, e.Table)
	}
	return fmt.Sprintf("schema is sealed: cannot add table %s", e.Table)
}

// ParentTableNotFoundError is returned when a child table references a
// parent the schema does not contain.
type ParentTableNotFoundError struct {
	Table  string
	Parent string
}

func (e *ParentTableNotFoundError) Error() string {
	return fmt.Sprintf("parent table %s for table %s not found in the schema; an excludes filter may be deleting the parent content entirely, add an includes exception to preserve it", e.Parent, e.Table)
}

// TablePropertiesClashError is returned when a partial table carries
// table properties conflicting with the stored table.
type TablePropertiesClashError struct {
	Table    string
	Property string
	Existing string
	Incoming string
}

func (e *TablePropertiesClashError) Error() string {
	return fmt.Sprintf("table %s property %s clashes: existing %q, incoming %q", e.Table, e.Property, e.Existing, e.Incoming)
}

// SchemaCorruptedError is returned when a stored schema is missing its
// required structure.
type SchemaCorruptedError struct {
	Reason string
}

func (e *SchemaCorruptedError) Error() string {
	return "schema is corrupted: " + e.Reason
}

// NoUpgradePathError is returned when a stored schema engine version
// cannot be migrated to the current engine.
type NoUpgradePathError struct {
	Name        string
	Stored      int
	Reached     int
	Target      int
}

func (e *NoUpgradePathError) Error() string {
	return fmt.Sprintf("schema %s: no engine upgrade path from version %d (reached %d) to %d", e.Name, e.Stored, e.Reached, e.Target)
}
