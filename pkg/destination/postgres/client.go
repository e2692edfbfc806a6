// Package postgres implements the sync transactional destination for
// PostgreSQL and Redshift. Every job file is applied inside a single
// transaction, so a crashed load either committed fully or not at all
// and a restore can always report the job completed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

func init() {
	destination.Register("postgres", func(ctx context.Context, cfg *config.Config, s *schema.Schema) (destination.Client, error) {
		return New(ctx, cfg, s, "postgres")
	})
	destination.Register("redshift", func(ctx context.Context, cfg *config.Config, s *schema.Schema) (destination.Client, error) {
		return New(ctx, cfg, s, "redshift")
	})
}

// Client drives a postgres-protocol warehouse over pgx.
type Client struct {
	destination.SQLBase
	clientType string
}

// New opens a client for the given schema. The dataset name is derived
// from the configured schema prefix and the schema name.
func New(ctx context.Context, cfg *config.Config, s *schema.Schema, clientType string) (*Client, error) {
	creds := cfg.SQL
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s connect_timeout=%d",
		creds.Host, creds.Port, creds.User, creds.Password, creds.Database,
		int(creds.ConnectionTimeout.Seconds()),
	)
	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, destination.Terminal(fmt.Errorf("invalid postgres credentials: %w", err))
	}
	// The insert_values writer emits backslash escape sequences, which
	// require the pre-standard string literal behavior.
	connCfg.RuntimeParams["standard_conforming_strings"] = "off"
	db := sqlx.NewDb(stdlib.OpenDB(*connCfg), "pgx")
	c := &Client{clientType: clientType}
	c.SQLBase = destination.SQLBase{
		DB:      db,
		Schema:  s,
		Dataset: creds.DatasetName(s.Name()),
		Dialect: destination.DialectFor(clientType),
		Backend: c,
	}
	return c, nil
}

// Capabilities reports the insert_values-only sync contract.
func (c *Client) Capabilities() destination.Capabilities {
	return destination.Capabilities{
		PreferredFormat:  storage.FormatInsertValues,
		SupportedFormats: []storage.FileFormat{storage.FormatInsertValues},
		MaxStatementSize: c.Dialect.MaxStatementSize,
	}
}

// StartFileLoad applies the whole file in one transaction and returns
// a completed job. Errors are classified by SQLSTATE before they reach
// the executor.
func (c *Client) StartFileLoad(ctx context.Context, table *schema.Table, filePath string, loadID string) (destination.LoadJob, error) {
	disposition, err := c.Schema.WriteDisposition(table.Name)
	if err != nil {
		return nil, destination.Terminal(err)
	}
	if err := c.ExecuteInsertFile(ctx, table.Name, disposition, filePath); err != nil {
		return nil, err
	}
	return destination.NewCompletedJob(filePath), nil
}

// RestoreFileLoad reports the job completed. The transaction in
// StartFileLoad guarantees a job interrupted mid-flight left nothing
// behind, and such a job is re-spooled from new, not restored.
func (c *Client) RestoreFileLoad(ctx context.Context, filePath string) (destination.LoadJob, error) {
	return destination.NewCompletedJob(filePath), nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// HasDataset checks the information schema for the dataset namespace.
func (c *Client) HasDataset(ctx context.Context) (bool, error) {
	var one int
	err := c.DB.QueryRowContext(ctx,
		"SELECT 1 FROM information_schema.schemata WHERE schema_name = $1;", c.Dataset,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, c.Classify(err)
	}
	return true, nil
}

func (c *Client) CreateDataset(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, "CREATE SCHEMA "+c.Dialect.EscapeIdentifier(c.Dataset)+";")
	if err != nil {
		return c.Classify(err)
	}
	return nil
}

// StorageTableColumns introspects one destination table.
func (c *Client) StorageTableColumns(ctx context.Context, tableName string) (bool, map[string]bool, error) {
	rows, err := c.DB.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2;",
		c.Dataset, tableName,
	)
	if err != nil {
		return false, nil, c.Classify(err)
	}
	defer rows.Close()
	columns := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, nil, c.Classify(err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, nil, c.Classify(err)
	}
	return len(columns) > 0, columns, nil
}

func (c *Client) QualifiedTableName(tableName string) string {
	return c.Dialect.EscapeIdentifier(c.Dataset) + "." + c.Dialect.EscapeIdentifier(tableName)
}

// Classify maps SQLSTATE classes onto the retry taxonomy. Data,
// integrity and syntax violations will never succeed on retry;
// connectivity, serialization and resource pressure may.
func (c *Client) Classify(err error) error {
	if err == nil {
		return nil
	}
	if destination.IsTerminal(err) || destination.IsTransient(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return destination.Terminal(err)
		case "08", "53", "57":
			return destination.Transient(err)
		}
		if pgErr.Code == "40001" {
			return destination.Transient(err)
		}
		if strings.HasPrefix(pgErr.Code, "XX") {
			return destination.Transient(err)
		}
		return destination.Terminal(err)
	}
	return destination.Transient(err)
}
