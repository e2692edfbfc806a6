package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseYAML loads a schema from its YAML document, upgrading legacy
// engine versions on the fly.
func ParseYAML(data []byte) (*Schema, error) {
	stored, err := DecodeStored(data)
	if err != nil {
		return nil, err
	}
	return FromStored(stored)
}

// DecodeStored parses the document into the stored form. Documents at
// older engine versions are upgraded structurally first; field order
// of upgraded documents is not preserved.
func DecodeStored(data []byte) (*StoredSchema, error) {
	var probe struct {
		EngineVersion int `yaml:"engine_version"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed schema document: %w", err)
	}
	if probe.EngineVersion != EngineVersion {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("malformed schema document: %w", err)
		}
		upgraded, err := upgradeEngine(raw, probe.EngineVersion, EngineVersion)
		if err != nil {
			return nil, err
		}
		if data, err = yaml.Marshal(upgraded); err != nil {
			return nil, err
		}
	}
	var stored StoredSchema
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("malformed schema document: %w", err)
	}
	return &stored, nil
}

// YAML renders the schema in its stored form
func (s *Schema) YAML() ([]byte, error) {
	return yaml.Marshal(s.Stored())
}

// upgradeEngine migrates a raw schema document between engine
// versions, one step at a time.
func upgradeEngine(raw map[string]any, from, to int) (map[string]any, error) {
	if from == to {
		return raw, nil
	}
	name, _ := raw["name"].(string)
	origin := from

	if from == 1 && to > 1 {
		// v2 adds root level include and exclude filters
		raw["engine_version"] = 2
		raw["includes"] = []any{}
		raw["excludes"] = []any{}
		from = 2
	}
	if from == 2 && to > 2 {
		raw["normalizers"] = map[string]any{
			"names":      "snake_case",
			"detections": []any{"timestamp", "iso_timestamp"},
			"json": map[string]any{
				"propagation": map[string]any{
					"root": map[string]any{RowIDColumn: RootIDColumn},
				},
			},
		}

		// hints and preferred types move under settings and become
		// unanchored patterns, as they were matched before v3
		defaultHints := map[string]any{}
		if hints, ok := raw["hints"].(map[string]any); ok {
			for h, l := range hints {
				var patterns []any
				if pl, ok := l.([]any); ok {
					for _, p := range pl {
						patterns = append(patterns, "re:"+fmt.Sprint(p))
					}
				}
				defaultHints[h] = patterns
			}
		}
		delete(raw, "hints")
		preferred := map[string]any{}
		if pt, ok := raw["preferred_types"].(map[string]any); ok {
			for p, dt := range pt {
				preferred["re:"+p] = dt
			}
		}
		delete(raw, "preferred_types")
		raw["settings"] = map[string]any{
			"default_hints":   defaultHints,
			"preferred_types": preferred,
		}

		// tables used to be bare column maps, wrap them and recover
		// parents from the name path
		oldTables, _ := raw["tables"].(map[string]any)
		newTables := map[string]any{}
		for tname, columns := range oldTables {
			parent := ""
			cand := tname
			for {
				idx := strings.LastIndex(cand, PathSeparator)
				if idx > 0 {
					cand = cand[:idx]
					if _, ok := oldTables[cand]; !ok {
						continue
					}
					parent = cand
				}
				break
			}
			nt := map[string]any{"name": tname, "columns": columns}
			if parent != "" {
				nt["parent"] = parent
			} else {
				nt["write_disposition"] = string(DefaultWriteDisposition)
			}
			newTables[tname] = nt
		}
		raw["tables"] = newTables

		// root level filters always named the root table, move them
		// onto that table
		migrateFilters := func(group string, filters []any) {
			for _, fv := range filters {
				f := fmt.Sprint(fv)
				idx := strings.Index(f, PathSeparator)
				if len(f) < 1 || idx < 1 {
					continue
				}
				// strip the leading ^ anchor
				root := f[1:idx]
				path := f[idx+len(PathSeparator):]
				t, ok := newTables[root].(map[string]any)
				if !ok {
					t = map[string]any{"name": root, "columns": map[string]any{}, "write_disposition": string(DefaultWriteDisposition)}
					newTables[root] = t
				}
				fl, ok := t["filters"].(map[string]any)
				if !ok {
					fl = map[string]any{}
					t["filters"] = fl
				}
				existing, _ := fl[group].([]any)
				fl[group] = append(existing, "re:^"+path)
			}
		}
		excludes, _ := raw["excludes"].([]any)
		migrateFilters("excludes", excludes)
		delete(raw, "excludes")
		includes, _ := raw["includes"].([]any)
		migrateFilters("includes", includes)
		delete(raw, "includes")

		raw["engine_version"] = 3
		from = 3
	}
	if from != to {
		return nil, &NoUpgradePathError{Name: name, Stored: origin, Reached: from, Target: to}
	}
	return raw, nil
}
