// Package ingest implements the C4 controller: authenticated module
// upload, digest/header validation, and idempotent project/module/
// function registration. Grounded on
// services/api-gateway/gateway_v2.go's handleIngest — validate before
// any store call, classify failures as fatal vs transient at the
// boundary — generalized from the teacher's JSON-event ingest to
// WebAssembly module ingest.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
	"github.com/bayesguard/bayes-engine/internal/identity"
	"github.com/bayesguard/bayes-engine/internal/policy"
	"github.com/bayesguard/bayes-engine/internal/sandbox"
	"github.com/bayesguard/bayes-engine/internal/store"
)

// TokenVerifier is the slice of identity.Verifier the controller needs,
// narrowed so tests can substitute a fake.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, expectedAudience string) (identity.Claims, error)
}

// Catalog is the set of exported function names claimed for an upload.
type Catalog struct {
	Digest  [32]byte
	Entries []string
}

// Result is returned on a successful ingest.
type Result struct {
	ModuleID    uint64
	FunctionIDs map[string]uint64
}

// Controller implements the ingest(token, version, blob_bytes, catalog)
// operation.
type Controller struct {
	repo         store.Repository
	verifier     TokenVerifier
	gate         *policy.Gate
	audience     string
	maxBlobBytes int64
	defaultBits  uint8

	ingestsTotal   metric.Int64Counter
	ingestRejected metric.Int64Counter
}

// New constructs a Controller. audience is the fixed string identifying
// the ingest surface to the identity verifier. gate decides whether an
// authenticated claim's (repository_visibility, event_name) pair is
// actually allowed past this surface; a nil gate allows everything
// (used by tests that don't exercise the policy layer).
func New(repo store.Repository, verifier TokenVerifier, gate *policy.Gate, audience string, maxBlobBytes int64, defaultBits uint8) *Controller {
	m := otel.Meter("bayes-engine")
	ingestsTotal, _ := m.Int64Counter("bayes_ingest_total")
	ingestRejected, _ := m.Int64Counter("bayes_ingest_rejected_total")
	return &Controller{
		repo:           repo,
		verifier:       verifier,
		gate:           gate,
		audience:       audience,
		maxBlobBytes:   maxBlobBytes,
		defaultBits:    defaultBits,
		ingestsTotal:   ingestsTotal,
		ingestRejected: ingestRejected,
	}
}

// Ingest runs the full six-step contract.
func (c *Controller) Ingest(ctx context.Context, token, version string, blob []byte, catalog Catalog) (Result, error) {
	// Step 1.
	claims, err := c.verifier.Verify(ctx, token, c.audience)
	if err != nil {
		c.ingestRejected.Add(ctx, 1)
		return Result{}, err
	}
	if c.gate != nil {
		allowed, err := c.gate.Allow(ctx, claims.RepositoryVisibility, claims.EventName)
		if err != nil {
			return Result{}, bayeserr.Wrap(bayeserr.KindTransient, "policy evaluation failed", err)
		}
		if !allowed {
			c.ingestRejected.Add(ctx, 1)
			return Result{}, bayeserr.New(bayeserr.KindNotPublic, "repository/event not allowed by ingest policy")
		}
	}

	// Step 3 (size + header checked ahead of the digest compare: no
	// point hashing an oversized or non-wasm blob).
	if int64(len(blob)) > c.maxBlobBytes {
		c.ingestRejected.Add(ctx, 1)
		return Result{}, bayeserr.New(bayeserr.KindMalformedRequest, "blob exceeds configured max size")
	}
	if err := sandbox.ValidateHeader(blob); err != nil {
		c.ingestRejected.Add(ctx, 1)
		return Result{}, err
	}

	// Step 2.
	digest := sha256.Sum256(blob)
	if digest != catalog.Digest {
		c.ingestRejected.Add(ctx, 1)
		return Result{}, bayeserr.New(bayeserr.KindDigestMismatch, "catalog digest does not match blob digest")
	}

	// Step 4: blob is written before the module record is committed;
	// re-uploading an identical blob is a no-op via WriteBlobIfAbsent.
	blobKey := fmt.Sprintf("%x", digest)
	if _, err := c.repo.WriteBlobIfAbsent(ctx, blobKey, blob); err != nil {
		return Result{}, bayeserr.Wrap(bayeserr.KindTransient, "blob write failed", err)
	}

	projectID, err := c.repo.UpsertProject(ctx, claims.Repository)
	if err != nil {
		return Result{}, bayeserr.Wrap(bayeserr.KindTransient, "project upsert failed", err)
	}
	moduleID, err := c.repo.InsertModule(ctx, projectID, version, digest, blobKey)
	if err != nil {
		return Result{}, bayeserr.Wrap(bayeserr.KindTransient, "module insert failed", err)
	}

	// Step 5.
	functionIDs := make(map[string]uint64, len(catalog.Entries))
	for _, name := range catalog.Entries {
		fs, err := c.repo.LoadOrCreateFunction(ctx, moduleID, name, c.defaultBits)
		if err != nil {
			return Result{}, bayeserr.Wrap(bayeserr.KindTransient, "function registration failed", err)
		}
		functionIDs[name] = fs.FunctionID
	}

	c.ingestsTotal.Add(ctx, 1)
	// Step 6.
	return Result{ModuleID: moduleID, FunctionIDs: functionIDs}, nil
}
