package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExtractNameRoundTrip tests building and parsing extract batch
// file names
func TestExtractNameRoundTrip(t *testing.T) {
	name := BuildExtractName("shop", "orders", 120, "a1b2c3")
	assert.Equal(t, "shop.orders.120.a1b2c3.json", name)

	parsed, err := ParseExtractName(name)
	require.NoError(t, err)
	assert.Equal(t, "shop", parsed.Schema)
	assert.Equal(t, "orders", parsed.Table)
	assert.Equal(t, 120, parsed.Events)
	assert.Equal(t, "a1b2c3", parsed.BatchID)
	assert.Equal(t, name, parsed.String())
}

// TestJobNameRoundTrip tests building and parsing load job file names
func TestJobNameRoundTrip(t *testing.T) {
	name := BuildJobName("event__parts", "f01", 2, "1689600000000000000", FormatInsertValues)
	assert.Equal(t, "event__parts.f01.2.1689600000000000000.insert_values", name)

	parsed, err := ParseJobName(name)
	require.NoError(t, err)
	assert.Equal(t, "event__parts", parsed.Table)
	assert.Equal(t, "f01", parsed.FileID)
	assert.Equal(t, 2, parsed.Rows)
	assert.Equal(t, "1689600000000000000", parsed.LoadID)
	assert.Equal(t, FormatInsertValues, parsed.Format)
	assert.Equal(t, name, parsed.String())
}

// TestMalformedNames tests that broken file names are rejected with
// MalformedFileNameError
func TestMalformedNames(t *testing.T) {
	tests := []struct {
		name string
		file string
		job  bool
	}{
		{
			name: "too few segments",
			file: "orders.10.abc.json",
		},
		{
			name: "too many segments",
			file: "shop.orders.10.abc.extra.json",
		},
		{
			name: "extract with job extension",
			file: "shop.orders.10.abc.jsonl",
		},
		{
			name: "negative count",
			file: "shop.orders.-1.abc.json",
		},
		{
			name: "non-numeric count",
			file: "shop.orders.ten.abc.json",
		},
		{
			name: "job with unknown extension",
			file: "orders.f01.10.abc.parquet",
			job:  true,
		},
		{
			name: "job with empty table",
			file: ".f01.10.abc.jsonl",
			job:  true,
		},
		{
			name: "empty load id",
			file: "shop.orders.10..json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.job {
				_, err = ParseJobName(tt.file)
			} else {
				_, err = ParseExtractName(tt.file)
			}
			var malformed *MalformedFileNameError
			require.Error(t, err)
			assert.True(t, errors.As(err, &malformed))
		})
	}
}

// TestEmptySchemaSegmentAllowed tests that extract names tolerate an
// empty schema segment
func TestEmptySchemaSegmentAllowed(t *testing.T) {
	parsed, err := ParseExtractName(".orders.10.abc.json")
	require.NoError(t, err)
	assert.Equal(t, "", parsed.Schema)
	assert.Equal(t, "orders", parsed.Table)
}

// TestNewLoadIDSorts tests that package ids sort by creation time
func TestNewLoadIDSorts(t *testing.T) {
	a := NewLoadID()
	b := NewLoadID()
	assert.LessOrEqual(t, a, b)
	assert.Len(t, a, 19)
}
