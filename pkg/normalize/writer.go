package normalize

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/storage"
)

// WriteRows renders one table's rows as a job file body in the given
// format. The header column list comes from the schema table, so rows
// missing a column render NULL and the loader never guesses.
func WriteRows(w io.Writer, format storage.FileFormat, dialect destination.Dialect, headers []string, rows []map[string]any) error {
	switch format {
	case storage.FormatJSONL:
		return writeJSONL(w, rows)
	case storage.FormatInsertValues:
		return writeInsertValues(w, dialect, headers, rows)
	default:
		return fmt.Errorf("unknown loader file format %q", format)
	}
}

func writeJSONL(w io.Writer, rows []map[string]any) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// writeInsertValues writes the insert_values grammar: an INSERT header
// with a {} placeholder for the qualified table name, a VALUES line
// and one tuple per line. The dialect renders every literal, so a
// package written for one destination loads only there.
func writeInsertValues(w io.Writer, dialect destination.Dialect, headers []string, rows []map[string]any) error {
	if len(rows) == 0 {
		return fmt.Errorf("refusing to write an insert file with no rows")
	}
	quoted := make([]string, len(headers))
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		quoted[i] = dialect.EscapeIdentifier(h)
		index[h] = i
	}
	if _, err := fmt.Fprintf(w, "INSERT INTO {}(%s)\nVALUES\n", strings.Join(quoted, ",")); err != nil {
		return err
	}
	for r, row := range rows {
		tuple := make([]string, len(headers))
		for i := range tuple {
			tuple[i] = "NULL"
		}
		for name, v := range row {
			i, ok := index[name]
			if !ok {
				return fmt.Errorf("row field %q has no column in the file header", name)
			}
			tuple[i] = dialect.Literal(v)
		}
		terminator := ",\n"
		if r == len(rows)-1 {
			terminator = ";"
		}
		if _, err := fmt.Fprintf(w, "(%s)%s", strings.Join(tuple, ","), terminator); err != nil {
			return err
		}
	}
	return nil
}
