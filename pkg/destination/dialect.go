package destination

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gantrydata/gantry/pkg/schema"
)

// Default numeric precision and scale for decimal columns. Wei columns
// use the full precision with scale zero.
const (
	NumericPrecision = 38
	NumericScale     = 9
)

// Dialect carries the SQL generation differences between backends:
// identifier and literal escaping, the data type map and the physical
// layout attributes hints translate to. The normalize stage imports
// the dialect of the configured destination to render insert_values
// files, so escaping must match what the loader executes.
type Dialect struct {
	Name string
	// MaxIdentifierLength truncates over-long column paths with a
	// digest suffix. Zero means unlimited.
	MaxIdentifierLength int
	// MaxStatementSize chunks insert statements on tuple boundaries.
	MaxStatementSize int64
	// TypeMap renders a column data type as destination DDL.
	TypeMap map[schema.DataType]string
	// HintDDL renders a column hint as a CREATE TABLE attribute.
	// Hints without an entry have no physical meaning here.
	HintDDL map[schema.Hint]string
	// BinaryLiteral renders bytes as a SQL literal.
	BinaryLiteral func(b []byte) string
}

// Postgres generates standard Postgres DDL and literals.
var Postgres = Dialect{
	Name:                "postgres",
	MaxIdentifierLength: 63,
	MaxStatementSize:    16 * 1024 * 1024,
	TypeMap: map[schema.DataType]string{
		schema.TypeText:      "varchar",
		schema.TypeComplex:   "varchar",
		schema.TypeDouble:    "double precision",
		schema.TypeBool:      "boolean",
		schema.TypeTimestamp: "timestamp with time zone",
		schema.TypeBigInt:    "bigint",
		schema.TypeBinary:    "bytea",
		schema.TypeDecimal:   fmt.Sprintf("numeric(%d,%d)", NumericPrecision, NumericScale),
		schema.TypeWei:       fmt.Sprintf("numeric(%d,0)", NumericPrecision),
	},
	HintDDL:       map[schema.Hint]string{},
	BinaryLiteral: func(b []byte) string { return `'\x` + hex.EncodeToString(b) + `'` },
}

// Redshift differs from Postgres in its widest types and in mapping
// the cluster and sort hints onto DISTKEY and SORTKEY.
var Redshift = Dialect{
	Name:                "redshift",
	MaxIdentifierLength: 127,
	MaxStatementSize:    16 * 1024 * 1024,
	TypeMap: map[schema.DataType]string{
		schema.TypeText:      "varchar(max)",
		schema.TypeComplex:   "varchar(max)",
		schema.TypeDouble:    "double precision",
		schema.TypeBool:      "boolean",
		schema.TypeTimestamp: "timestamp with time zone",
		schema.TypeBigInt:    "bigint",
		schema.TypeBinary:    "varbinary",
		schema.TypeDecimal:   fmt.Sprintf("numeric(%d,%d)", NumericPrecision, NumericScale),
		schema.TypeWei:       fmt.Sprintf("numeric(%d,0)", NumericPrecision),
	},
	HintDDL: map[schema.Hint]string{
		schema.HintCluster: "DISTKEY",
		schema.HintSort:    "SORTKEY",
	},
	BinaryLiteral: func(b []byte) string { return "from_hex('" + hex.EncodeToString(b) + "')" },
}

// SQLite keeps everything in its five storage classes.
var SQLite = Dialect{
	Name:             "sqlite",
	MaxStatementSize: 16 * 1024 * 1024,
	TypeMap: map[schema.DataType]string{
		schema.TypeText:      "text",
		schema.TypeComplex:   "text",
		schema.TypeDouble:    "real",
		schema.TypeBool:      "integer",
		schema.TypeTimestamp: "text",
		schema.TypeBigInt:    "integer",
		schema.TypeBinary:    "blob",
		schema.TypeDecimal:   "text",
		schema.TypeWei:       "text",
	},
	HintDDL:       map[schema.Hint]string{},
	BinaryLiteral: func(b []byte) string { return "X'" + hex.EncodeToString(b) + "'" },
}

// DialectFor resolves the dialect of a client type. Destinations
// without SQL generation fall back to Postgres conventions, which only
// matters for identifier length limits.
func DialectFor(clientType string) Dialect {
	switch clientType {
	case "redshift":
		return Redshift
	case "sqlite":
		return SQLite
	default:
		return Postgres
	}
}

// EscapeIdentifier quotes an identifier, doubling embedded quotes and
// backslashes.
func (d Dialect) EscapeIdentifier(s string) string {
	s = strings.ReplaceAll(s, `"`, `""`)
	if d.Name != "sqlite" {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return `"` + s + `"`
}

// EscapeLiteral renders a string literal, doubling single quotes and
// backslashes and folding raw newlines into escapes so one VALUES
// tuple always stays on one line.
func (d Dialect) EscapeLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return "'" + s + "'"
}

// Literal renders a typed row value as a SQL literal. Missing values
// render as NULL by the caller.
func (d Dialect) Literal(v any) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case string:
		return d.EscapeLiteral(tv)
	case bool:
		if d.Name == "sqlite" {
			if tv {
				return "1"
			}
			return "0"
		}
		return strconv.FormatBool(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case uint64:
		return strconv.FormatUint(tv, 10)
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case *big.Int:
		if d.Name == "sqlite" {
			return d.EscapeLiteral(tv.String())
		}
		return tv.String()
	case schema.Decimal:
		if d.Name == "sqlite" {
			return d.EscapeLiteral(string(tv))
		}
		return string(tv)
	case time.Time:
		return d.EscapeLiteral(tv.UTC().Format(time.RFC3339Nano))
	case []byte:
		return d.BinaryLiteral(tv)
	default:
		return d.EscapeLiteral(fmt.Sprint(tv))
	}
}

// ColumnType renders the DDL type of a column.
func (d Dialect) ColumnType(c *schema.Column) string {
	return d.TypeMap[c.DataType]
}

// ColumnDDL renders one column definition for CREATE TABLE or
// ADD COLUMN.
func (d Dialect) ColumnDDL(c *schema.Column) string {
	parts := []string{d.EscapeIdentifier(c.Name), d.ColumnType(c)}
	for _, h := range []schema.Hint{schema.HintPartition, schema.HintCluster, schema.HintSort} {
		if attr, ok := d.HintDDL[h]; ok && c.HasHint(h) {
			parts = append(parts, attr)
		}
	}
	if !c.Nullable {
		parts = append(parts, "NOT NULL")
	}
	return strings.Join(parts, " ")
}
