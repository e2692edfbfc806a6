package destination

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

func writeInsertFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.insert_values")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestReadInsertFile tests parsing of the insert_values file grammar
func TestReadInsertFile(t *testing.T) {
	path := writeInsertFile(t, "INSERT INTO {}(\"a\",\"b\")\nVALUES\n(1,'x'),\n(2,'y');\n")
	header, tuples, err := ReadInsertFile(path, 0)
	require.NoError(t, err)

	assert.Equal(t, `INSERT INTO {}("a","b")`, header)
	assert.Equal(t, []string{"(1,'x')", "(2,'y')"}, tuples)
}

// TestReadInsertFileRejectsMalformed tests the terminal errors for
// files the loader can never apply
func TestReadInsertFileRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing header", content: "VALUES\n(1);\n"},
		{name: "wrong placeholder", content: "INSERT INTO mytable(\"a\")\nVALUES\n(1);\n"},
		{name: "missing values line", content: "INSERT INTO {}(\"a\")\n(1);\n"},
		{name: "empty tuple line", content: "INSERT INTO {}(\"a\")\nVALUES\n,\n(1);\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeInsertFile(t, tt.content)
			_, _, err := ReadInsertFile(path, 0)
			require.Error(t, err)
			assert.True(t, IsTerminal(err))
		})
	}
}

// TestReadInsertFileTupleOverCap tests that a single tuple larger than
// the statement cap fails as FileTooBigError
func TestReadInsertFileTupleOverCap(t *testing.T) {
	tuple := "('" + strings.Repeat("x", 100) + "')"
	path := writeInsertFile(t, "INSERT INTO {}(\"a\")\nVALUES\n"+tuple+";\n")

	_, _, err := ReadInsertFile(path, 50)
	var tooBig *FileTooBigError
	require.ErrorAs(t, err, &tooBig)
	assert.True(t, IsTerminal(err))
}

// TestChunkTuples tests statement chunking on tuple boundaries
func TestChunkTuples(t *testing.T) {
	tuples := []string{"(aaaa)", "(bbbb)", "(cccc)"}

	tests := []struct {
		name     string
		max      int64
		overhead int64
		want     [][]string
	}{
		{
			name: "no cap keeps one chunk",
			max:  0,
			want: [][]string{{"(aaaa)", "(bbbb)", "(cccc)"}},
		},
		{
			name:     "everything fits",
			max:      1000,
			overhead: 10,
			want:     [][]string{{"(aaaa)", "(bbbb)", "(cccc)"}},
		},
		{
			name:     "split per tuple",
			max:      20,
			overhead: 10,
			want:     [][]string{{"(aaaa)"}, {"(bbbb)"}, {"(cccc)"}},
		},
		{
			name:     "two then one",
			max:      28,
			overhead: 10,
			want:     [][]string{{"(aaaa)", "(bbbb)"}, {"(cccc)"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkTuples(tuples, tt.overhead, tt.max))
		})
	}
}

// TestVerifyJobFile tests job file verification against schema and
// capabilities
func TestVerifyJobFile(t *testing.T) {
	s, err := schema.New("event")
	require.NoError(t, err)
	table := schema.NewTable("event", "")
	table.Columns.Set("value", &schema.Column{Name: "value", DataType: schema.TypeText, Nullable: true})
	require.NoError(t, s.UpdateTable(table))

	caps := Capabilities{
		PreferredFormat:  storage.FormatJSONL,
		SupportedFormats: []storage.FileFormat{storage.FormatJSONL},
	}
	jobName := func(tableName string, format storage.FileFormat) string {
		return storage.BuildJobName(tableName, schema.UniqID(), 10, storage.NewLoadID(), format)
	}

	t.Run("resolves table and disposition", func(t *testing.T) {
		resolved, disposition, err := VerifyJobFile(s, caps, jobName("event", storage.FormatJSONL))
		require.NoError(t, err)
		assert.Equal(t, "event", resolved.Name)
		assert.Equal(t, schema.WriteAppend, disposition)
	})

	t.Run("unknown table is terminal", func(t *testing.T) {
		_, _, err := VerifyJobFile(s, caps, jobName("missing", storage.FormatJSONL))
		var unknown *UnknownTableError
		require.ErrorAs(t, err, &unknown)
		assert.True(t, IsTerminal(err))
	})

	t.Run("unsupported format is terminal", func(t *testing.T) {
		_, _, err := VerifyJobFile(s, caps, jobName("event", storage.FormatInsertValues))
		var unsupported *UnsupportedFileFormatError
		require.ErrorAs(t, err, &unsupported)
		assert.True(t, IsTerminal(err))
	})

	t.Run("skip disposition is terminal", func(t *testing.T) {
		_, _, err := VerifyJobFile(s, caps, jobName(schema.VersionTableName, storage.FormatJSONL))
		var disposition *UnsupportedWriteDispositionError
		require.ErrorAs(t, err, &disposition)
		assert.True(t, IsTerminal(err))
	})

	t.Run("unparseable name is terminal", func(t *testing.T) {
		_, _, err := VerifyJobFile(s, caps, "not-a-job-file")
		require.Error(t, err)
		assert.True(t, IsTerminal(err))
	})
}

// TestErrorClassification tests the transient/terminal wrappers
func TestErrorClassification(t *testing.T) {
	base := os.ErrPermission

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTerminal(Transient(base)))
	assert.True(t, IsTerminal(Terminal(base)))
	assert.ErrorIs(t, Terminal(base), os.ErrPermission)
	assert.NoError(t, Transient(nil))
}

// TestDefaultFormat tests the family default job formats
func TestDefaultFormat(t *testing.T) {
	assert.Equal(t, storage.FormatInsertValues, DefaultFormat("postgres"))
	assert.Equal(t, storage.FormatInsertValues, DefaultFormat("redshift"))
	assert.Equal(t, storage.FormatInsertValues, DefaultFormat("sqlite"))
	assert.Equal(t, storage.FormatJSONL, DefaultFormat("dummy"))
	assert.Equal(t, storage.FormatJSONL, DefaultFormat("boltdb"))
}

// fakeBackend serves schema diff tests without a live database.
type fakeBackend struct {
	tables map[string]map[string]bool
}

func (b *fakeBackend) HasDataset(ctx context.Context) (bool, error) { return true, nil }
func (b *fakeBackend) CreateDataset(ctx context.Context) error     { return nil }
func (b *fakeBackend) StorageTableColumns(ctx context.Context, tableName string) (bool, map[string]bool, error) {
	cols, ok := b.tables[tableName]
	return ok, cols, nil
}
func (b *fakeBackend) QualifiedTableName(tableName string) string {
	return `"ds"."` + tableName + `"`
}
func (b *fakeBackend) Classify(err error) error { return err }

// TestBuildSchemaUpdateSQL tests the DDL diff: missing tables render
// CREATE TABLE, existing tables get one ADD COLUMN per new column
func TestBuildSchemaUpdateSQL(t *testing.T) {
	s, err := schema.New("event")
	require.NoError(t, err)
	table := schema.NewTable("event", "")
	table.Columns.Set("id", &schema.Column{Name: "id", DataType: schema.TypeBigInt, Nullable: true})
	table.Columns.Set("city", &schema.Column{Name: "city", DataType: schema.TypeText, Nullable: true})
	require.NoError(t, s.UpdateTable(table))
	child := schema.NewTable("event__items", "event")
	child.Columns.Set("value", &schema.Column{Name: "value", DataType: schema.TypeText, Nullable: true})
	require.NoError(t, s.UpdateTable(child))

	backend := &fakeBackend{tables: map[string]map[string]bool{
		"event":                 {"id": true},
		schema.VersionTableName: {"version": true, "engine_version": true, "inserted_at": true},
		schema.LoadsTableName:   {"load_id": true, "status": true, "inserted_at": true},
	}}
	base := &SQLBase{Schema: s, Dataset: "ds", Dialect: DialectFor("postgres"), Backend: backend}

	statements, err := base.buildSchemaUpdateSQL(context.Background())
	require.NoError(t, err)

	joined := strings.Join(statements, "\n")
	assert.Contains(t, joined, `ALTER TABLE "ds"."event" ADD COLUMN "city" varchar`)
	assert.Contains(t, joined, `CREATE TABLE "ds"."event__items"`)
	assert.NotContains(t, joined, `CREATE TABLE "ds"."event" `)
}

// TestBuildSchemaUpdateSQLRejectsLateHints tests that a layout hint
// requested after the table was created is terminal
func TestBuildSchemaUpdateSQLRejectsLateHints(t *testing.T) {
	s, err := schema.New("event")
	require.NoError(t, err)
	table := schema.NewTable("event", "")
	table.Columns.Set("id", &schema.Column{Name: "id", DataType: schema.TypeBigInt, Nullable: true})
	table.Columns.Set("region", &schema.Column{Name: "region", DataType: schema.TypeText, Nullable: true, Cluster: true})
	require.NoError(t, s.UpdateTable(table))

	backend := &fakeBackend{tables: map[string]map[string]bool{
		"event":                 {"id": true},
		schema.VersionTableName: {"version": true},
		schema.LoadsTableName:   {"load_id": true},
	}}
	base := &SQLBase{Schema: s, Dataset: "ds", Dialect: DialectFor("postgres"), Backend: backend}

	_, err = base.buildSchemaUpdateSQL(context.Background())
	var updateErr *SchemaWillNotUpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "event", updateErr.Table)
	assert.Equal(t, []string{"region"}, updateErr.Columns)
	assert.True(t, IsTerminal(err))
}
