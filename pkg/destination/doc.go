// Package destination defines the contract every warehouse backend
// satisfies: the job client interface, the load job state machine, the
// transient/terminal error taxonomy and the SQL dialect values shared
// between the loader and the normalize stage writer.
//
// Concrete backends live in subpackages and register themselves by
// client type, the way database/sql drivers do:
//
//	import _ "github.com/gantrydata/gantry/pkg/destination/postgres"
//
//	client, err := destination.Open(ctx, "postgres", cfg, schema)
//
// Two families exist. Server-managed backends (boltdb) register a job
// and report progress through Status polling; jobs survive process
// death and are recovered with RestoreFileLoad. Transactional SQL
// backends (postgres, redshift, sqlite) apply a whole file inside one
// transaction in StartFileLoad and always restore as completed.
package destination
