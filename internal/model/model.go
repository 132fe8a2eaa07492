// Package model defines the aggregation engine's core entities, per
// spec.md §3. These types are storage-agnostic; internal/store persists
// them.
package model

import "time"

// Project identifies an external source repository that owns modules.
type Project struct {
	ID        uint64
	FullName  string // "owner/name"
	CreatedAt time.Time
}

// Module is an uploaded WebAssembly binary. Immutable once inserted.
type Module struct {
	ID        uint64
	ProjectID uint64
	Version   string
	Digest    [32]byte // SHA-256
	BlobKey   string
	CreatedAt time.Time
}

// Best caches the lowest hash ever observed for a function, together with
// the seed that produced it, for display purposes.
type Best struct {
	Seed uint64
	Hash uint64
	// Set reports whether a best value has ever been recorded.
	Set bool
}

// Function is a (module, exported name) pair together with its sketch
// state. Created lazily by the store's LoadOrCreateFunction: at ingest for
// every catalog entry, or on the first submission naming it.
type Function struct {
	ID        uint64
	ModuleID  uint64
	Name      string
	Bits      uint8
	Submitted uint64 // submission counter
	Best      Best
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CatalogEntry names one exported function at ingest time.
type CatalogEntry struct {
	Name string
}

// Catalog is the set of exported functions claimed for a module upload.
type Catalog struct {
	Digest  [32]byte
	Entries []CatalogEntry
}
