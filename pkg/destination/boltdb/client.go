// Package boltdb implements the async server-managed destination on a
// bbolt file. Rows live in per-table buckets keyed by the row id, and
// a job ledger bucket records every load job, so jobs survive process
// death and are recovered through RestoreFileLoad.
package boltdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

func init() {
	destination.Register("boltdb", func(ctx context.Context, cfg *config.Config, s *schema.Schema) (destination.Client, error) {
		return New(cfg, s)
	})
}

var (
	bucketTables         = []byte("tables")
	bucketJobs           = []byte("jobs")
	bucketSchemaVersions = []byte("schema_versions")
	bucketLoads          = []byte("loads")
)

// jobRecord is the ledger entry for one load job.
type jobRecord struct {
	Status    string    `json:"status"`
	Exception string    `json:"exception,omitempty"`
	LoadID    string    `json:"load_id"`
	Table     string    `json:"table"`
	FilePath  string    `json:"file_path"`
	StartedAt time.Time `json:"started_at"`
}

// bbolt takes an exclusive file lock for the life of a handle, so all
// clients in the process share one refcounted handle per path. The
// load executor opens a client per job; separate handles would
// deadlock against the package-level client.
var (
	handlesMu sync.Mutex
	handles   = map[string]*sharedDB{}
)

type sharedDB struct {
	db   *bolt.DB
	refs int
}

func openShared(path string) (*bolt.DB, error) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	if h, ok := handles[path]; ok {
		h.refs++
		return h.db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, destination.Transient(fmt.Errorf("failed to create boltdb directory: %w", err))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, destination.Transient(fmt.Errorf("failed to open boltdb database: %w", err))
	}
	handles[path] = &sharedDB{db: db, refs: 1}
	return db, nil
}

func closeShared(path string) error {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	h, ok := handles[path]
	if !ok {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(handles, path)
	return h.db.Close()
}

// Client loads jsonl job files into a bbolt database.
type Client struct {
	db      *bolt.DB
	path    string
	schema  *schema.Schema
	dataset string
}

// New opens the bbolt file from the configured path.
func New(cfg *config.Config, s *schema.Schema) (*Client, error) {
	if cfg.BoltPath == "" {
		return nil, destination.Terminal(errors.New("boltdb destination requires a database path"))
	}
	db, err := openShared(cfg.BoltPath)
	if err != nil {
		return nil, err
	}
	return &Client{db: db, path: cfg.BoltPath, schema: s, dataset: cfg.GCP.DatasetName(s.Name())}, nil
}

func (c *Client) Capabilities() destination.Capabilities {
	return destination.Capabilities{
		PreferredFormat:  storage.FormatJSONL,
		SupportedFormats: []storage.FileFormat{storage.FormatJSONL},
	}
}

// InitializeStorage creates the dataset bucket tree.
func (c *Client) InitializeStorage(ctx context.Context) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		ds, err := tx.CreateBucketIfNotExists([]byte(c.dataset))
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketTables, bucketJobs, bucketSchemaVersions, bucketLoads} {
			if _, err := ds.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

// UpdateStorageSchema records the schema version and pre-creates the
// table buckets. Buckets are schemaless, so there is no column diff to
// apply, only the version gate to advance.
func (c *Client) UpdateStorageSchema(ctx context.Context) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		ds := tx.Bucket([]byte(c.dataset))
		if ds == nil {
			return fmt.Errorf("dataset %s is not initialized", c.dataset)
		}
		versions := ds.Bucket(bucketSchemaVersions)
		var storageVersion int
		if k, _ := versions.Cursor().Last(); k != nil {
			storageVersion = int(binary.BigEndian.Uint64(k))
		}
		if storageVersion >= c.schema.Version() {
			return nil
		}
		tables := ds.Bucket(bucketTables)
		for _, table := range c.schema.AllTables(false) {
			if _, err := tables.CreateBucketIfNotExists([]byte(table.Name)); err != nil {
				return err
			}
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(c.schema.Version()))
		value, err := json.Marshal(map[string]any{
			"engine_version": schema.EngineVersion,
			"inserted_at":    time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return versions.Put(key, value)
	})
	return classify(err)
}

// StartFileLoad registers the job in the ledger and applies the file.
// The job id is pre-checked first: a job already in the ledger is
// returned as-is instead of being re-run, which makes a start after a
// crashed spool harmless.
func (c *Client) StartFileLoad(ctx context.Context, table *schema.Table, filePath string, loadID string) (destination.LoadJob, error) {
	jobID := filepath.Base(filePath)
	var existing bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		jobs, err := c.jobsBucket(tx)
		if err != nil {
			return err
		}
		if jobs.Get([]byte(jobID)) != nil {
			existing = true
			return nil
		}
		record := jobRecord{
			Status:    "running",
			LoadID:    loadID,
			Table:     table.Name,
			FilePath:  filePath,
			StartedAt: time.Now().UTC(),
		}
		return putRecord(jobs, jobID, record)
	})
	if err != nil {
		return nil, classify(err)
	}
	if existing {
		return c.RestoreFileLoad(ctx, filePath)
	}
	if err := c.applyFile(jobID); err != nil {
		return nil, err
	}
	return &job{client: c, id: jobID}, nil
}

// RestoreFileLoad rebinds to a ledger entry. A record still marked
// running means the process died between the two ledger transactions;
// row puts are keyed by row id, so re-applying the file is safe.
func (c *Client) RestoreFileLoad(ctx context.Context, filePath string) (destination.LoadJob, error) {
	jobID := filepath.Base(filePath)
	record, err := c.record(jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &destination.LoadJobNotExistsError{JobID: jobID}
	}
	if record.Status == "running" {
		if err := c.applyFile(jobID); err != nil {
			return nil, err
		}
	}
	return &job{client: c, id: jobID}, nil
}

// CompleteLoad records the package in the loads bucket.
func (c *Client) CompleteLoad(ctx context.Context, loadID string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		ds := tx.Bucket([]byte(c.dataset))
		if ds == nil {
			return fmt.Errorf("dataset %s is not initialized", c.dataset)
		}
		value, err := json.Marshal(map[string]any{
			"status":      0,
			"inserted_at": time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return ds.Bucket(bucketLoads).Put([]byte(loadID), value)
	})
	return classify(err)
}

func (c *Client) Close() error {
	return closeShared(c.path)
}

// applyFile loads every jsonl row into the table bucket and flips the
// ledger record to its final status in the same transaction.
func (c *Client) applyFile(jobID string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		jobs, err := c.jobsBucket(tx)
		if err != nil {
			return err
		}
		raw := jobs.Get([]byte(jobID))
		if raw == nil {
			return fmt.Errorf("job %s vanished from the ledger", jobID)
		}
		var record jobRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		tables := tx.Bucket([]byte(c.dataset)).Bucket(bucketTables)
		disposition, err := c.schema.WriteDisposition(record.Table)
		if err != nil {
			record.Status = "failed"
			record.Exception = err.Error()
			return putRecord(jobs, jobID, record)
		}
		if disposition == schema.WriteReplace {
			if tables.Bucket([]byte(record.Table)) != nil {
				if err := tables.DeleteBucket([]byte(record.Table)); err != nil {
					return err
				}
			}
		}
		bucket, err := tables.CreateBucketIfNotExists([]byte(record.Table))
		if err != nil {
			return err
		}
		if err := loadRows(bucket, record.FilePath); err != nil {
			record.Status = "failed"
			record.Exception = err.Error()
			return putRecord(jobs, jobID, record)
		}
		record.Status = "completed"
		return putRecord(jobs, jobID, record)
	})
	return classify(err)
}

// loadRows puts each jsonl row keyed by its row id. Rows without a row
// id (system tables) get a sequence key.
func loadRows(bucket *bolt.Bucket, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("malformed jsonl row: %w", err)
		}
		key, _ := row[schema.RowIDColumn].(string)
		if key == "" {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			key = fmt.Sprintf("_seq_%020d", seq)
		}
		value := make([]byte, len(line))
		copy(value, line)
		if err := bucket.Put([]byte(key), value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *Client) jobsBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	ds := tx.Bucket([]byte(c.dataset))
	if ds == nil {
		return nil, fmt.Errorf("dataset %s is not initialized", c.dataset)
	}
	return ds.Bucket(bucketJobs), nil
}

func (c *Client) record(jobID string) (*jobRecord, error) {
	var record *jobRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		ds := tx.Bucket([]byte(c.dataset))
		if ds == nil {
			return nil
		}
		raw := ds.Bucket(bucketJobs).Get([]byte(jobID))
		if raw == nil {
			return nil
		}
		record = &jobRecord{}
		return json.Unmarshal(raw, record)
	})
	if err != nil {
		return nil, classify(err)
	}
	return record, nil
}

func putRecord(bucket *bolt.Bucket, jobID string, record jobRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(jobID), value)
}

// job reads its status from the ledger on every poll.
type job struct {
	client *Client
	id     string
}

func (j *job) Status() destination.JobStatus {
	record, err := j.client.record(j.id)
	if err != nil || record == nil {
		return destination.JobRetry
	}
	switch record.Status {
	case "completed":
		return destination.JobCompleted
	case "failed":
		return destination.JobFailed
	default:
		return destination.JobRunning
	}
}

func (j *job) FileName() string { return j.id }

func (j *job) Exception() string {
	record, err := j.client.record(j.id)
	if err != nil || record == nil {
		return ""
	}
	return record.Exception
}

// classify wraps bbolt errors. Lock timeouts and I/O pressure are
// retryable, everything else data-shaped is not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if destination.IsTerminal(err) || destination.IsTransient(err) {
		return err
	}
	if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return destination.Transient(err)
	}
	return destination.Terminal(err)
}
