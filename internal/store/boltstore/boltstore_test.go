package boltstore

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/bayesguard/bayes-engine/internal/model"
	"github.com/bayesguard/bayes-engine/internal/sketch"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertProjectIdempotent(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	id1, err := s.UpsertProject(ctx, "acme/widget")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	id2, err := s.UpsertProject(ctx, "acme/widget")
	if err != nil {
		t.Fatalf("UpsertProject (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same project id, got %d and %d", id1, id2)
	}
}

func TestInsertModuleIdempotentOnKey(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	pid, _ := s.UpsertProject(ctx, "acme/widget")
	digest := sha256.Sum256([]byte("wasm-bytes"))
	m1, err := s.InsertModule(ctx, pid, "v1.0.0", digest, "blob-1")
	if err != nil {
		t.Fatalf("InsertModule: %v", err)
	}
	m2, err := s.InsertModule(ctx, pid, "v1.0.0", digest, "blob-1")
	if err != nil {
		t.Fatalf("InsertModule (repeat): %v", err)
	}
	if m1 != m2 {
		t.Fatalf("expected same module id for identical (project,version,digest), got %d and %d", m1, m2)
	}
}

func TestWriteBlobIfAbsent(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	wrote, err := s.WriteBlobIfAbsent(ctx, "k1", []byte("data"))
	if err != nil || !wrote {
		t.Fatalf("expected first write to succeed: wrote=%v err=%v", wrote, err)
	}
	wrote, err = s.WriteBlobIfAbsent(ctx, "k1", []byte("other"))
	if err != nil || wrote {
		t.Fatalf("expected second write to be a no-op: wrote=%v err=%v", wrote, err)
	}
}

func TestLoadOrCreateFunctionThenApplyUpdate(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	pid, _ := s.UpsertProject(ctx, "acme/widget")
	digest := sha256.Sum256([]byte("wasm-bytes"))
	mid, _ := s.InsertModule(ctx, pid, "v1.0.0", digest, "blob-1")

	fs, err := s.LoadOrCreateFunction(ctx, mid, "fuzz_target", 12)
	if err != nil {
		t.Fatalf("LoadOrCreateFunction: %v", err)
	}
	if fs.Bits != 12 {
		t.Fatalf("expected default bits 12, got %d", fs.Bits)
	}

	pairs := []sketch.Pair{{Register: fs.Sketch.RegisterIndex(0x1000), Hash: 0x1000}}
	applied, estimate, err := s.ApplySketchUpdate(ctx, fs.FunctionID, pairs, model.Best{Seed: 7, Hash: 0x1000, Set: true})
	if err != nil {
		t.Fatalf("ApplySketchUpdate: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 pair applied, got %d", applied)
	}
	if estimate <= 0 {
		t.Fatalf("expected positive estimate, got %v", estimate)
	}

	fs2, err := s.LoadOrCreateFunction(ctx, mid, "fuzz_target", 12)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fs2.Submitted != 1 {
		t.Fatalf("expected submitted counter 1, got %d", fs2.Submitted)
	}
	if !fs2.Best.Set || fs2.Best.Hash != 0x1000 {
		t.Fatalf("expected best to persist, got %+v", fs2.Best)
	}
}

func TestApplySketchUpdateConcurrentSameRegisterExactlyOneImproves(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	pid, _ := s.UpsertProject(ctx, "acme/widget")
	digest := sha256.Sum256([]byte("wasm-bytes"))
	mid, _ := s.InsertModule(ctx, pid, "v1.0.0", digest, "blob-1")
	fs, _ := s.LoadOrCreateFunction(ctx, mid, "fuzz_target", 12)

	reg := fs.Sketch.RegisterIndex(0x3000)
	var wg sync.WaitGroup
	results := make([]int, 2)
	hashes := []uint64{0x3000, 0x3100} // same register, distinct values
	for i := 0; i < 2; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			applied, _, err := s.ApplySketchUpdate(ctx, fs.FunctionID, []sketch.Pair{{Register: reg, Hash: hashes[i]}}, model.Best{})
			if err != nil {
				t.Errorf("ApplySketchUpdate: %v", err)
			}
			results[i] = applied
		}()
	}
	wg.Wait()
	total := results[0] + results[1]
	if total != 1 {
		t.Fatalf("expected exactly one of two concurrent same-register submissions to improve, got total=%d (%v)", total, results)
	}
}

func TestClaimJTIRejectsReplay(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	ok, err := s.ClaimJTI(ctx, "jti-1", exp)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimJTI(ctx, "jti-1", exp)
	if err != nil {
		t.Fatalf("ClaimJTI (replay): %v", err)
	}
	if ok {
		t.Fatalf("expected replayed jti to be rejected")
	}
}

func TestPruneExpiredJTIs(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	if _, err := s.ClaimJTI(ctx, "old", past); err != nil {
		t.Fatalf("ClaimJTI: %v", err)
	}
	if _, err := s.ClaimJTI(ctx, "new", future); err != nil {
		t.Fatalf("ClaimJTI: %v", err)
	}
	removed, err := s.PruneExpiredJTIs(ctx, time.Now())
	if err != nil {
		t.Fatalf("PruneExpiredJTIs: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}

func TestGetLatestCatalog(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	pid, _ := s.UpsertProject(ctx, "acme/widget")
	d1 := sha256.Sum256([]byte("v1"))
	d2 := sha256.Sum256([]byte("v2"))
	m1, _ := s.InsertModule(ctx, pid, "v1.0.0", d1, "blob-1")
	m2, _ := s.InsertModule(ctx, pid, "v2.0.0", d2, "blob-2")
	if _, err := s.LoadOrCreateFunction(ctx, m1, "target_a", 12); err != nil {
		t.Fatalf("LoadOrCreateFunction m1: %v", err)
	}
	if _, err := s.LoadOrCreateFunction(ctx, m2, "target_b", 12); err != nil {
		t.Fatalf("LoadOrCreateFunction m2: %v", err)
	}

	cat, err := s.GetLatestCatalog(ctx, pid)
	if err != nil {
		t.Fatalf("GetLatestCatalog: %v", err)
	}
	if cat.ModuleID != m2 {
		t.Fatalf("expected latest module %d, got %d", m2, cat.ModuleID)
	}
	if len(cat.Names) != 1 || cat.Names[0] != "target_b" {
		t.Fatalf("expected catalog [target_b], got %v", cat.Names)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := open(t)
	if _, err := s.GetProject(context.Background(), "missing/project"); err == nil {
		t.Fatalf("expected error for unknown project")
	}
}

func TestWarmCacheReloadsProjectsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.UpsertProject(context.Background(), "acme/widget")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	p, err := s2.GetProject(context.Background(), "acme/widget")
	if err != nil {
		t.Fatalf("GetProject after reopen: %v", err)
	}
	if p.ID != id {
		t.Fatalf("expected warmed cache id %d, got %d", id, p.ID)
	}
}
