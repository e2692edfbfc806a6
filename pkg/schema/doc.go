/*
Package schema defines the typed table model that every stage of the
pipeline shares: extraction tags data with schema names, normalization
coerces rows against the schema and evolves it, and loading applies the
schema to destination tables.

A schema owns a set of tables. Each table holds typed columns in
definition order plus lineage (parent table), a write disposition and
optional row filters. Schemas change only by accretion: new tables and
columns can be added, existing columns can weaken from not-null to
nullable, and nothing else may change. A coercion that cannot fit a
value into an existing column type fails the row instead of mutating
the column.

# Versioning

Schemas carry a version that counts persisted revisions, starting at 1.
Mutations mark the schema dirty; callers bump the version right before
persisting:

	row, partial, err := s.CoerceRow("users", "", row)
	if partial != nil {
		err = s.UpdateTable(partial)
	}
	version := s.BumpVersion() // one bump per persist, not per change
	data, err := s.YAML()

Destinations compare this version against a side table to decide
whether table migrations are needed, so monotonicity matters more than
granularity.

# Naming

All table, column and schema names pass through the snake_case
normalizer before they reach a schema. Nested paths join components
with a double underscore:

	NormalizeTableName("UserAddress")   // "user__address"
	NormalizeColumnName("CamelCase")    // "camel_case"
	MakePath("users", "addresses")      // "users__addresses"

The double underscore is reserved as the path separator, which is why
table name normalization collapses underscore runs to it.

# Type system

Columns use one of nine data types: text, double, bool, timestamp,
bigint, binary, complex, decimal and wei. Values are inferred from
their Go representation, optionally promoted by detections (numbers in
the epoch window and ISO timestamp strings become timestamps) and then
checked against preferred types configured by column name pattern.
Integers wider than 64 bits become wei, a type wide enough for
256 bit blockchain quantities.

# System tables

Every schema contains two tables destinations maintain out of band:
_dlt_version tracks schema revisions applied to the destination and
_dlt_loads records completed load packages. Both use the skip
disposition, they are never loaded from files.

# Stored form

Schemas persist as YAML documents keyed by table and column name, with
default values removed. Legacy documents at engine versions 1 and 2
upgrade in place when parsed. See ParseYAML and DecodeStored.
*/
package schema
