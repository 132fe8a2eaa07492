// Package store defines the abstract repository contract of spec.md §4.2.
// Implementations (internal/store/badgerstore, internal/store/boltstore)
// provide atomic, serializable persistence for projects, modules,
// functions, and JTI replay records; the aggregation engine itself never
// reaches into a concrete backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bayesguard/bayes-engine/internal/model"
	"github.com/bayesguard/bayes-engine/internal/sketch"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// FunctionState is the tuple returned by LoadOrCreateFunction: the
// function's identity plus its live sketch mirror, per spec.md §4.2.
type FunctionState struct {
	FunctionID uint64
	ModuleID   uint64
	Name       string
	Bits       uint8
	Sketch     *sketch.Sketch
	Best       model.Best
	Submitted  uint64
}

// CatalogResult pairs a module id with the function names claimed for it.
type CatalogResult struct {
	ModuleID uint64
	Names    []string
}

// Repository is the full contract of spec.md §4.2. Every method must be
// safe for concurrent use; ApplySketchUpdate and ClaimJTI must be
// serializable per their respective keys (function id, jti).
type Repository interface {
	// UpsertProject is idempotent: repeated calls with the same full name
	// return the same id.
	UpsertProject(ctx context.Context, fullName string) (projectID uint64, err error)

	// InsertModule is idempotent on (projectID, version, digest): an
	// existing match returns its id rather than inserting a duplicate.
	InsertModule(ctx context.Context, projectID uint64, version string, digest [32]byte, blobKey string) (moduleID uint64, err error)

	// WriteBlobIfAbsent writes data at key unless already present,
	// reporting whether a write actually occurred. The blob is written
	// before the module record is committed (spec.md §4.4 step 4).
	WriteBlobIfAbsent(ctx context.Context, key string, data []byte) (wrote bool, err error)

	// ReadBlob fetches a module's WebAssembly binary via its blob
	// reference.
	ReadBlob(ctx context.Context, moduleID uint64) ([]byte, error)

	// LoadOrCreateFunction returns the current state for (moduleID, name),
	// creating it with defaultBits on first reference.
	LoadOrCreateFunction(ctx context.Context, moduleID uint64, name string, defaultBits uint8) (FunctionState, error)

	// ApplySketchUpdate atomically applies proposed register improvements
	// under the sketch invariant, updates best if candidateBest strictly
	// improves on the stored best, and increments the submission counter
	// by however many pairs were actually accepted. Returns the accepted
	// count and the resulting estimate.
	ApplySketchUpdate(ctx context.Context, functionID uint64, pairs []sketch.Pair, candidateBest model.Best) (applied int, estimate float64, err error)

	// ClaimJTI inserts a JWT id with its expiry, returning false if it was
	// already claimed (replay).
	ClaimJTI(ctx context.Context, jti string, expiry time.Time) (accepted bool, err error)

	// PruneExpiredJTIs deletes JTI records past their expiry. Safe to call
	// periodically; never required for correctness.
	PruneExpiredJTIs(ctx context.Context, now time.Time) (removed int, err error)

	ListProjects(ctx context.Context) ([]model.Project, error)
	GetProject(ctx context.Context, fullName string) (model.Project, error)
	ListModules(ctx context.Context, projectID uint64) ([]model.Module, error)
	GetLatestCatalog(ctx context.Context, projectID uint64) (CatalogResult, error)

	Close() error
}
