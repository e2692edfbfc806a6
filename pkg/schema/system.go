package schema

// VersionTable defines the side table destinations use to track which
// schema revision their tables reflect. It is never loaded from files.
func VersionTable() *Table {
	t := NewTable(VersionTableName, "")
	t.WriteDisposition = WriteSkip
	t.Description = "Tracks schema updates"
	t.Columns.Set("version", &Column{Name: "version", DataType: TypeBigInt})
	t.Columns.Set("engine_version", &Column{Name: "engine_version", DataType: TypeBigInt})
	t.Columns.Set("inserted_at", &Column{Name: "inserted_at", DataType: TypeTimestamp})
	return t
}

// LoadsTable defines the side table that records completed load
// packages, giving downstream consumers a commit log to filter on.
func LoadsTable() *Table {
	t := NewTable(LoadsTableName, "")
	t.WriteDisposition = WriteSkip
	t.Description = "Tracks completed loads"
	t.Columns.Set("load_id", &Column{Name: "load_id", DataType: TypeText})
	t.Columns.Set("status", &Column{Name: "status", DataType: TypeBigInt})
	t.Columns.Set("inserted_at", &Column{Name: "inserted_at", DataType: TypeTimestamp})
	return t
}
