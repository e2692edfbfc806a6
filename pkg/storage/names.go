package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// FileFormat is the payload format of a staged data file, carried as
// the file extension.
type FileFormat string

const (
	// FormatJSON is the extract batch format: one JSON array of events.
	FormatJSON FileFormat = "json"
	// FormatJSONL holds one JSON document per line, one row each.
	FormatJSONL FileFormat = "jsonl"
	// FormatInsertValues holds a SQL INSERT fragment with one VALUES
	// tuple per row.
	FormatInsertValues FileFormat = "insert_values"
)

// DataFormats lists the formats a load package job file may use.
var DataFormats = []FileFormat{FormatJSONL, FormatInsertValues}

// Staged files carry five dot-separated segments:
//
//	<group>.<stem>.<count>.<load_id>.<ext>
//
// Extract batches put the schema name in the group segment and the
// table name in the stem; load package jobs put the table name in the
// group segment and a unique file id in the stem. Segments are
// dot-free, so splitting on "." recovers them exactly.

// ExtractFileName identifies one extract batch file.
type ExtractFileName struct {
	Schema  string
	Table   string
	Events  int
	BatchID string
}

// BuildExtractName renders the file name of an extract batch.
func BuildExtractName(schemaName, tableName string, events int, batchID string) string {
	return fmt.Sprintf("%s.%s.%d.%s.%s", schemaName, tableName, events, batchID, FormatJSON)
}

// ParseExtractName parses an extract batch file name. Malformed names
// are terminal: they cannot be produced by a healthy writer.
func ParseExtractName(name string) (ExtractFileName, error) {
	seg, err := splitName(name)
	if err != nil {
		return ExtractFileName{}, err
	}
	if FileFormat(seg[4]) != FormatJSON {
		return ExtractFileName{}, &MalformedFileNameError{Name: name, Reason: "extension is not json"}
	}
	count, err := parseCount(name, seg[2])
	if err != nil {
		return ExtractFileName{}, err
	}
	return ExtractFileName{Schema: seg[0], Table: seg[1], Events: count, BatchID: seg[3]}, nil
}

// String renders the canonical file name back.
func (n ExtractFileName) String() string {
	return BuildExtractName(n.Schema, n.Table, n.Events, n.BatchID)
}

// JobFileName identifies one load job file inside a package. The full
// name never changes as the file moves between state folders, so it
// doubles as the idempotency key at the destination.
type JobFileName struct {
	Table  string
	FileID string
	Rows   int
	LoadID string
	Format FileFormat
}

// BuildJobName renders the file name of a load job.
func BuildJobName(tableName, fileID string, rows int, loadID string, format FileFormat) string {
	return fmt.Sprintf("%s.%s.%d.%s.%s", tableName, fileID, rows, loadID, format)
}

// ParseJobName parses a load job file name. Malformed names and names
// with an unknown extension are terminal.
func ParseJobName(name string) (JobFileName, error) {
	seg, err := splitName(name)
	if err != nil {
		return JobFileName{}, err
	}
	format := FileFormat(seg[4])
	known := false
	for _, f := range DataFormats {
		if f == format {
			known = true
			break
		}
	}
	if !known {
		return JobFileName{}, &MalformedFileNameError{Name: name, Reason: fmt.Sprintf("unknown job format %q", seg[4])}
	}
	if seg[0] == "" {
		return JobFileName{}, &MalformedFileNameError{Name: name, Reason: "empty table name"}
	}
	count, err := parseCount(name, seg[2])
	if err != nil {
		return JobFileName{}, err
	}
	return JobFileName{Table: seg[0], FileID: seg[1], Rows: count, LoadID: seg[3], Format: format}, nil
}

// String renders the canonical file name back.
func (n JobFileName) String() string {
	return BuildJobName(n.Table, n.FileID, n.Rows, n.LoadID, n.Format)
}

func splitName(name string) ([]string, error) {
	seg := strings.Split(name, ".")
	if len(seg) != 5 {
		return nil, &MalformedFileNameError{Name: name, Reason: fmt.Sprintf("expected 5 segments, got %d", len(seg))}
	}
	if seg[1] == "" || seg[3] == "" || seg[4] == "" {
		return nil, &MalformedFileNameError{Name: name, Reason: "empty segment"}
	}
	return seg, nil
}

func parseCount(name, seg string) (int, error) {
	count, err := strconv.Atoi(seg)
	if err != nil || count < 0 {
		return 0, &MalformedFileNameError{Name: name, Reason: fmt.Sprintf("invalid event count %q", seg)}
	}
	return count, nil
}
