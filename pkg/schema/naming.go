package schema

import (
	"regexp"
	"strings"
)

var (
	reUnderscores       = regexp.MustCompile(`_+`)
	reDoubleUnderscores = regexp.MustCompile(`__+`)
	reLeadingDigits     = regexp.MustCompile(`^\d+`)
	reNonAlphanumeric   = regexp.MustCompile(`[^a-zA-Z0-9]`)
	reNonAlnumUnder     = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	reSnakeBreak1       = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	reSnakeBreak2       = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// NormalizeSchemaName lowercases the name and strips everything that
// is not a letter or digit. Names starting with a digit get an "s"
// prefix.
func NormalizeSchemaName(name string) string {
	if reLeadingDigits.MatchString(name) {
		name = "s" + name
	}
	return strings.ToLower(reNonAlphanumeric.ReplaceAllString(name, ""))
}

// NormalizeTableName makes the name acceptable as a database table
// name: punctuation becomes underscores, camelCase breaks into snake
// case, leading digits gain an underscore prefix and underscore runs
// collapse to at most two (the path separator survives).
func NormalizeTableName(name string) string {
	name = reNonAlnumUnder.ReplaceAllString(name, "_")
	name = reSnakeBreak1.ReplaceAllString(name, "${1}_${2}")
	name = strings.ToLower(reSnakeBreak2.ReplaceAllString(name, "${1}_${2}"))
	if reLeadingDigits.MatchString(name) {
		name = "_" + name
	}
	return reDoubleUnderscores.ReplaceAllString(name, "__")
}

// NormalizeColumnName normalizes like a table name but collapses every
// underscore run to a single one, so column names can never collide
// with the path separator.
func NormalizeColumnName(name string) string {
	return reUnderscores.ReplaceAllString(NormalizeTableName(name), "_")
}

// MakeDatasetName builds the destination dataset name from the
// configured default dataset and the schema name.
func MakeDatasetName(defaultDataset, schemaName string) string {
	name := NormalizeColumnName(defaultDataset)
	if schemaName != "" {
		name += "_" + schemaName
	}
	return name
}

// ShortenName fits an identifier into maxLen characters. Names that
// fit are returned unchanged. Longer names keep their prefix and gain
// a deterministic digest tag, so the same long name always shortens
// to the same identifier and distinct names stay distinct. maxLen <= 0
// means unlimited.
func ShortenName(name string, maxLen int) string {
	if maxLen <= 0 || len(name) <= maxLen {
		return name
	}
	tag := strings.ToLower(reNonAlphanumeric.ReplaceAllString(Digest128(name), ""))
	if len(tag) > 8 {
		tag = tag[:8]
	}
	if maxLen <= len(tag)+1 {
		if maxLen < len(tag) {
			return tag[:maxLen]
		}
		return tag
	}
	return name[:maxLen-len(tag)-1] + "_" + tag
}

// MakePath joins path elements with the path separator
func MakePath(elems ...string) string {
	return strings.Join(elems, PathSeparator)
}

// BreakPath splits a path into its elements
func BreakPath(path string) []string {
	return strings.Split(path, PathSeparator)
}
