// Package sqlite implements the sync transactional destination on an
// embedded SQLite database. SQLite has no schema namespaces, so the
// dataset becomes a table name prefix.
package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

func init() {
	destination.Register("sqlite", func(ctx context.Context, cfg *config.Config, s *schema.Schema) (destination.Client, error) {
		return New(cfg, s)
	})
}

// Client loads into a single SQLite file.
type Client struct {
	destination.SQLBase
}

// New opens the database file from the configured path. WAL mode keeps
// the writer from starving concurrent status readers.
func New(cfg *config.Config, s *schema.Schema) (*Client, error) {
	if cfg.SQLitePath == "" {
		return nil, destination.Terminal(errors.New("sqlite destination requires a database path"))
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)", cfg.SQLitePath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, destination.Terminal(fmt.Errorf("failed to open sqlite database: %w", err))
	}
	c := &Client{}
	c.SQLBase = destination.SQLBase{
		DB:      db,
		Schema:  s,
		Dataset: s.Name(),
		Dialect: destination.DialectFor("sqlite"),
		Backend: c,
	}
	return c, nil
}

func (c *Client) Capabilities() destination.Capabilities {
	return destination.Capabilities{
		PreferredFormat:  storage.FormatInsertValues,
		SupportedFormats: []storage.FileFormat{storage.FormatInsertValues},
		MaxStatementSize: c.Dialect.MaxStatementSize,
	}
}

// StartFileLoad applies the whole file in one transaction and returns
// a completed job.
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

// RestoreFileLoad reports the job completed, same as the postgres
// family: an interrupted transaction rolled back and the file will be
// re-spooled from new.
func (c *Client) RestoreFileLoad(ctx context.Context, filePath string) (destination.LoadJob, error) {
	return destination.NewCompletedJob(filePath), nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// HasDataset is always true: the dataset is only a name prefix and
// needs no provisioning.
func (c *Client) HasDataset(ctx context.Context) (bool, error) { return true, nil }

func (c *Client) CreateDataset(ctx context.Context) error { return nil }

// StorageTableColumns introspects the prefixed table.
func (c *Client) StorageTableColumns(ctx context.Context, tableName string) (bool, map[string]bool, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT name FROM pragma_table_info(?);", c.prefixed(tableName))
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
	return c.Dialect.EscapeIdentifier(c.prefixed(tableName))
}

func (c *Client) prefixed(tableName string) string {
	return c.Dataset + "__" + tableName
}

// Classify maps SQLite result codes onto the retry taxonomy. Lock and
// I/O pressure clears up, constraint and type errors never do.
func (c *Client) Classify(err error) error {
	if err == nil {
		return nil
	}
	if destination.IsTerminal(err) || destination.IsTransient(err) {
		return err
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.BUSY, sqlite3.LOCKED, sqlite3.IOERR, sqlite3.FULL, sqlite3.INTERRUPT:
			return destination.Transient(err)
		}
		return destination.Terminal(err)
	}
	return destination.Transient(err)
}
