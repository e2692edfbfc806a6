/*
Package storage provides the staged, restartable on-disk spool that
carries events from extract through normalize into load packages.

Every stage owns one directory under the pipeline working dir. Work
moves between stages and between states inside a stage only by atomic
rename, so any crash point leaves the spool in a state a restarted
process can resume from: a file is always in exactly one folder, and a
folder name tells the whole truth about how far the file got.

# Layout

	<workingDir>/
	├── schemas/
	│   └── <name>.schema.yaml        live schemas (SchemaStorage)
	├── extract/
	│   ├── version
	│   ├── new/                      batches being written
	│   └── committed/                batches visible to normalize
	├── normalize/
	│   ├── version
	│   └── extracted/                ingested batches awaiting rows
	└── load/
	    ├── version
	    ├── .tmp/<load_id>/           package builds (swept at open)
	    ├── <load_id>/                committed packages
	    │   ├── schema.yaml           frozen schema
	    │   ├── schema_updates.json   pending schema diff (sentinel)
	    │   ├── new/ started/ failed/ completed/
	    │   └── failed/<job>.exception
	    └── completed/<load_id>/      archived packages

# Core Components

VersionedStore:
  - Pins each stage dir to a semver layout version ("version" file)
  - Owners take an exclusive flock on <dir>/.lock and may migrate
  - Registered migrations run step-by-step, rewriting the version
    after each step
  - Version mismatch without a path fails with NoMigrationPathError

ExtractStorage:
  - SaveBatch writes into new/, Commit renames into committed/
  - A committed batch is durable input for the normalize stage

NormalizeStorage:
  - Ingest pulls committed batches into extracted/; this crossing
    tolerates a filesystem boundary (copy+fsync+rename fallback)
  - GroupBySchema / ChunkByEvents shape one normalize pass

LoadStorage:
  - Packages build invisibly under .tmp/<load_id> and publish with a
    single rename (CommitPackage)
  - Jobs move new -> started -> completed | failed, or back to new on
    retry; a failed job gets its .exception sidecar before the move
  - ArchivePackage moves the finished package under completed/, or
    deletes it when delete_completed_jobs is on and nothing failed

# File names

Staged data files carry five dot-separated segments,
<group>.<stem>.<count>.<load_id>.<ext> (see names.go). Parsing a
malformed name is terminal: healthy writers cannot produce one.

# Usage

	ex, err := storage.NewExtractStorage(dir, true)
	if err != nil { ... }
	defer ex.Close()

	name := storage.BuildExtractName("shop", "orders", 120, batchID)
	if err := ex.SaveBatch(name, payload); err != nil { ... }
	if err := ex.Commit(name); err != nil { ... }

	ls, err := storage.NewLoadStorage(dir, true, storage.FormatJSONL,
		[]storage.FileFormat{storage.FormatJSONL}, false)
	if err != nil { ... }
	defer ls.Close()

	for _, id := range mustList(ls.ListPackages()) {
		jobs, err := ls.ListNewJobs(id)
		...
	}

# See Also

  - pkg/normalize for the worker that turns batches into packages
  - pkg/load for the executor that drains packages
  - pkg/schema for the schema documents stored here
*/
package storage
