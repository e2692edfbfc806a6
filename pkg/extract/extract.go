package extract

import (
	"encoding/json"
	"fmt"

	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

// Extractor writes materialized sources as committed extract batches
// for one schema.
type Extractor struct {
	store      *storage.ExtractStorage
	schemaName string
}

// New binds an extractor to the extract stage of a working directory.
func New(store *storage.ExtractStorage, schemaName string) *Extractor {
	return &Extractor{store: store, schemaName: schemaName}
}

// Extract materializes the source, stamps the default table on items
// without routing metadata, and commits one batch file. It returns
// the batch id and the number of extracted events.
func (e *Extractor) Extract(items []any, defaultTable string) (string, int, error) {
	docs, err := materialize(items)
	if err != nil {
		return "", 0, fmt.Errorf("source materialization failed: %w", err)
	}
	for _, doc := range docs {
		if TableNameOf(doc) == "" {
			WithTableName(doc, defaultTable)
		}
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode extract batch: %w", err)
	}
	batchID := schema.UniqID()
	// the file name grammar splits on dots, so the stem must already be
	// a normalized table name
	name := storage.BuildExtractName(e.schemaName, schema.NormalizeTableName(defaultTable), len(docs), batchID)
	if err := e.store.SaveBatch(name, data); err != nil {
		return "", 0, err
	}
	if err := e.store.Commit(name); err != nil {
		return "", 0, err
	}
	log.Logger.Info().Str("schema", e.schemaName).Str("table", defaultTable).
		Int("events", len(docs)).Str("batch", batchID).Msg("extract batch committed")
	return batchID, len(docs), nil
}
