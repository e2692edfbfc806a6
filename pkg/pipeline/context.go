package pipeline

import (
	"sync/atomic"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/storage"
)

// contextGeneration counts stage contexts created in this process.
// Creating or restoring a pipeline bumps it, which invalidates every
// pipeline bound to an earlier context.
var contextGeneration atomic.Uint64

// StageContext binds a pipeline to the configuration, schema store and
// destination registry it was created with. It is an explicit value
// handed to the stages, never a package singleton.
type StageContext struct {
	Config   *config.Config
	Store    *storage.SchemaStorage
	Registry []string

	generation uint64
}

func newStageContext(cfg *config.Config, store *storage.SchemaStorage) *StageContext {
	return &StageContext{
		Config:     cfg,
		Store:      store,
		Registry:   destination.Registered(),
		generation: contextGeneration.Add(1),
	}
}

// valid reports whether the context is still the current one.
func (c *StageContext) valid() bool {
	return c.generation == contextGeneration.Load()
}
