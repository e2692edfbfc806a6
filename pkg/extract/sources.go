// Package extract turns in-memory sources into committed extract
// batches. A source is a slice of items: mappings are taken as-is,
// nested sequences are flattened, deferred items are invoked, and
// anything else is wrapped as {"v": item} so every event reaches the
// normalizer as a document.
package extract

import "github.com/gantrydata/gantry/pkg/schema"

// MetaField is the reserved item key carrying routing metadata. It is
// consumed by the normalizer and never reaches the destination.
const MetaField = "_dlt_meta"

// Deferred delays the production of an item until extraction, so slow
// or failing producers run inside the extract step.
type Deferred func() (any, error)

// WithTableName routes the item (or every item of a sequence) to the
// given root table.
func WithTableName(item any, tableName string) any {
	switch it := item.(type) {
	case map[string]any:
		setMeta(it, "table_name", tableName)
	case []map[string]any:
		for _, i := range it {
			setMeta(i, "table_name", tableName)
		}
	case []any:
		for _, i := range it {
			if m, ok := i.(map[string]any); ok {
				setMeta(m, "table_name", tableName)
			}
		}
	}
	return item
}

// TableNameOf reads the routing table name from the item metadata.
func TableNameOf(item map[string]any) string {
	meta, ok := item[MetaField].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := meta["table_name"].(string)
	return name
}

func setMeta(item map[string]any, key string, value any) {
	meta, ok := item[MetaField].(map[string]any)
	if !ok {
		meta = map[string]any{}
		item[MetaField] = meta
	}
	meta[key] = value
}

// materialize flattens a source into documents. Deferred items are
// invoked, sequences extended, non-mapping values wrapped.
func materialize(items []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if d, ok := item.(Deferred); ok {
			resolved, err := d()
			if err != nil {
				return nil, err
			}
			item = resolved
		}
		switch it := item.(type) {
		case map[string]any:
			out = append(out, it)
		case []map[string]any:
			out = append(out, it...)
		case []any:
			for _, nested := range it {
				if m, ok := nested.(map[string]any); ok {
					out = append(out, m)
				} else {
					out = append(out, map[string]any{"v": schema.NormalizeValue(nested)})
				}
			}
		default:
			out = append(out, map[string]any{"v": schema.NormalizeValue(it)})
		}
	}
	return out, nil
}
