package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/schema"
)

// SQLBackend is the part of a transactional SQL destination that
// differs per engine: dataset management, table introspection, name
// qualification and driver error classification.
type SQLBackend interface {
	HasDataset(ctx context.Context) (bool, error)
	CreateDataset(ctx context.Context) error
	// StorageTableColumns reports whether the table exists at the
	// destination and which column names it already has.
	StorageTableColumns(ctx context.Context, tableName string) (bool, map[string]bool, error)
	QualifiedTableName(tableName string) string
	// Classify wraps a driver error as transient or terminal.
	Classify(err error) error
}

// SQLBase implements the destination contract pieces every
// transactional SQL backend shares: version-gated schema
// reconciliation, the insert_values job execution and the side table
// bookkeeping. Concrete clients embed it and provide the SQLBackend.
type SQLBase struct {
	DB      *sqlx.DB
	Schema  *schema.Schema
	Dataset string
	Dialect Dialect
	Backend SQLBackend
}

// UpdateStorageSchema reconciles the local schema against the
// destination. The version recorded in the _dlt_version side table
// gates the work: a destination at or past the local version is left
// alone, anything older receives the DDL diff and a new version row,
// all in one transaction.
func (c *SQLBase) UpdateStorageSchema(ctx context.Context) error {
	storageVersion, err := c.schemaVersionFromStorage(ctx)
	if err != nil {
		return err
	}
	if storageVersion >= c.Schema.Version() {
		log.Logger.Debug().Str("dataset", c.Dataset).Int("version", storageVersion).Msg("destination schema is current")
		return nil
	}
	statements, err := c.buildSchemaUpdateSQL(ctx)
	if err != nil {
		return err
	}
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return c.Backend.Classify(err)
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return c.Backend.Classify(err)
		}
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s(version, engine_version, inserted_at) VALUES (%d, %d, %s);",
		c.Backend.QualifiedTableName(schema.VersionTableName),
		c.Schema.Version(), schema.EngineVersion, c.Dialect.Literal(time.Now().UTC()),
	)
	if _, err := tx.ExecContext(ctx, insert); err != nil {
		return c.Backend.Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return c.Backend.Classify(err)
	}
	log.Logger.Info().Str("dataset", c.Dataset).Int("version", c.Schema.Version()).
		Int("statements", len(statements)).Msg("destination schema updated")
	return nil
}

// CompleteLoad records the package in the _dlt_loads side table.
func (c *SQLBase) CompleteLoad(ctx context.Context, loadID string) error {
	insert := fmt.Sprintf(
		"INSERT INTO %s(load_id, status, inserted_at) VALUES (%s, 0, %s);",
		c.Backend.QualifiedTableName(schema.LoadsTableName),
		c.Dialect.EscapeLiteral(loadID), c.Dialect.Literal(time.Now().UTC()),
	)
	if _, err := c.DB.ExecContext(ctx, insert); err != nil {
		return c.Backend.Classify(err)
	}
	return nil
}

// InitializeStorage creates the dataset when it does not exist yet.
func (c *SQLBase) InitializeStorage(ctx context.Context) error {
	exists, err := c.Backend.HasDataset(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.Backend.CreateDataset(ctx)
}

// schemaVersionFromStorage reads the latest recorded schema version.
// A missing version table means nothing was ever deployed: version 0.
func (c *SQLBase) schemaVersionFromStorage(ctx context.Context) (int, error) {
	exists, _, err := c.Backend.StorageTableColumns(ctx, schema.VersionTableName)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	query := fmt.Sprintf(
		"SELECT version FROM %s ORDER BY inserted_at DESC LIMIT 1;",
		c.Backend.QualifiedTableName(schema.VersionTableName),
	)
	var version int
	err = c.DB.QueryRowContext(ctx, query).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, c.Backend.Classify(err)
	}
	return version, nil
}

// hintFlags are the column hints that shape physical table layout and
// may only be introduced at table creation.
var hintFlags = []schema.Hint{
	schema.HintPartition, schema.HintCluster, schema.HintPrimaryKey,
	schema.HintForeignKey, schema.HintSort, schema.HintUnique,
}

// buildSchemaUpdateSQL diffs every schema table against the
// destination and renders CREATE TABLE for missing tables and one
// ADD COLUMN per missing column for existing ones. Hinted columns on
// an existing table will never update.
func (c *SQLBase) buildSchemaUpdateSQL(ctx context.Context) ([]string, error) {
	var statements []string
	for _, table := range c.Schema.AllTables(true) {
		exists, existingCols, err := c.Backend.StorageTableColumns(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		newColumns := c.Schema.ColumnsToAdd(table.Name, existingCols)
		if len(newColumns) == 0 {
			continue
		}
		qualified := c.Backend.QualifiedTableName(table.Name)
		if !exists {
			defs := make([]string, len(newColumns))
			for i, col := range newColumns {
				defs[i] = c.Dialect.ColumnDDL(col)
			}
			statements = append(statements, fmt.Sprintf("CREATE TABLE %s (\n%s\n);", qualified, strings.Join(defs, ",\n")))
			continue
		}
		for _, hint := range hintFlags {
			var hinted []string
			for _, col := range newColumns {
				if col.HasHint(hint) {
					hinted = append(hinted, col.Name)
				}
			}
			if len(hinted) > 0 {
				return nil, &SchemaWillNotUpdateError{
					Table:   table.Name,
					Columns: hinted,
					Reason:  fmt.Sprintf("%s hint requested after the table was created", hint),
				}
			}
		}
		for _, col := range newColumns {
			statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", qualified, c.Dialect.ColumnDDL(col)))
		}
	}
	return statements, nil
}

// ExecuteInsertFile applies one insert_values job file inside a single
// transaction. Replace dispositions delete the table content first.
// Statements over the dialect cap are split on tuple boundaries but
// stay inside the one transaction.
func (c *SQLBase) ExecuteInsertFile(ctx context.Context, tableName string, disposition schema.WriteDisposition, filePath string) error {
	header, tuples, err := ReadInsertFile(filePath, c.Dialect.MaxStatementSize)
	if err != nil {
		return err
	}
	qualified := c.Backend.QualifiedTableName(tableName)
	insertHead := strings.Replace(header, "{}", qualified, 1)

	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return c.Backend.Classify(err)
	}
	defer tx.Rollback()
	if disposition == schema.WriteReplace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+qualified+";"); err != nil {
			return c.Backend.Classify(err)
		}
	}
	for _, chunk := range chunkTuples(tuples, int64(len(insertHead))+16, c.Dialect.MaxStatementSize) {
		stmt := insertHead + "\nVALUES\n" + strings.Join(chunk, ",\n") + ";"
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return c.Backend.Classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return c.Backend.Classify(err)
	}
	return nil
}

// ReadInsertFile parses an insert_values job file into its INSERT
// header and the individual VALUES tuples. The writer keeps one tuple
// per line, so a tuple larger than the statement cap can never load.
func ReadInsertFile(filePath string, maxStatementSize int64) (string, []string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", nil, Terminal(fmt.Errorf("failed to read job file: %w", err))
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 3 || !strings.HasPrefix(lines[0], "INSERT INTO {}") || lines[1] != "VALUES" {
		return "", nil, Terminal(fmt.Errorf("file %s is not a valid insert_values file", filePath))
	}
	header := lines[0]
	tuples := make([]string, 0, len(lines)-2)
	for i, line := range lines[2:] {
		tuple := strings.TrimSuffix(strings.TrimSuffix(line, ","), ";")
		if maxStatementSize > 0 && int64(len(tuple)) >= maxStatementSize {
			return "", nil, &FileTooBigError{FileName: filePath, MaxSize: maxStatementSize}
		}
		if tuple == "" {
			return "", nil, Terminal(fmt.Errorf("file %s has an empty values tuple at line %d", filePath, i+3))
		}
		tuples = append(tuples, tuple)
	}
	return header, tuples, nil
}

// chunkTuples groups tuples so each rendered statement stays under the
// cap. A zero cap yields one chunk.
func chunkTuples(tuples []string, overhead, maxStatementSize int64) [][]string {
	if maxStatementSize <= 0 {
		return [][]string{tuples}
	}
	var chunks [][]string
	var current []string
	size := overhead
	for _, t := range tuples {
		cost := int64(len(t)) + 2
		if len(current) > 0 && size+cost > maxStatementSize {
			chunks = append(chunks, current)
			current = nil
			size = overhead
		}
		current = append(current, t)
		size += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
