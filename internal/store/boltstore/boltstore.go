// Package boltstore implements internal/store.Repository on top of
// bbolt, grounded on services/orchestrator/persistence.go's
// WorkflowStore: one bucket per entity type, JSON-encoded records, an
// in-memory hot cache warmed at startup, and OTel read/write-latency
// histograms plus cache hit/miss counters recorded at the same call
// sites the teacher records them.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bayesguard/bayes-engine/internal/model"
	"github.com/bayesguard/bayes-engine/internal/sketch"
	"github.com/bayesguard/bayes-engine/internal/store"
)

var (
	bucketProjectsByName = []byte("projects_by_name")
	bucketProjectsByID   = []byte("projects_by_id")
	bucketModulesByID    = []byte("modules_by_id")
	bucketModuleIndex    = []byte("module_index")
	bucketModulesByProj  = []byte("modules_by_project")
	bucketLatestModule   = []byte("latest_module")
	bucketFunctionsByID  = []byte("functions_by_id")
	bucketFunctionIndex  = []byte("function_index")
	bucketFunctionsByMod = []byte("functions_by_module")
	bucketSketches       = []byte("sketches")
	bucketBlobs          = []byte("blobs")
	bucketJTI            = []byte("jti")
	bucketCounters       = []byte("counters")

	allBuckets = [][]byte{
		bucketProjectsByName, bucketProjectsByID, bucketModulesByID, bucketModuleIndex,
		bucketModulesByProj, bucketLatestModule, bucketFunctionsByID, bucketFunctionIndex,
		bucketFunctionsByMod, bucketSketches, bucketBlobs, bucketJTI, bucketCounters,
	}
)

// jsonProject/jsonModule/jsonFunction mirror model types with
// marshal-friendly fields (model.Module.Digest is a fixed array; JSON
// handles it fine, but we keep dedicated wire types in case the model
// package's shape drifts).
type jsonFunction struct {
	ID        uint64
	ModuleID  uint64
	Name      string
	Bits      uint8
	Submitted uint64
	Best      model.Best
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps a bbolt database implementing store.Repository.
type Store struct {
	db *bolt.DB
	mu sync.Mutex // serializes writes and keeps caches coherent, per teacher's ws.mu

	projectCache map[string]model.Project // fullName -> project, warmed at startup

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	jtiReplays   metric.Int64Counter
}

var _ store.Repository = (*Store)(nil)

// Open returns a bbolt-backed store at path/bayes.db.
func Open(path string) (*Store, error) {
	opts := &bolt.Options{Timeout: 1 * time.Second}
	db, err := bolt.Open(path+"/bayes.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	m := otel.Meter("bayes-engine")
	readLatency, _ := m.Float64Histogram("bayes_store_db_read_ms")
	writeLatency, _ := m.Float64Histogram("bayes_store_db_write_ms")
	cacheHits, _ := m.Int64Counter("bayes_store_cache_hits_total")
	cacheMisses, _ := m.Int64Counter("bayes_store_cache_misses_total")
	jtiReplays, _ := m.Int64Counter("bayes_store_jti_replays_total")

	s := &Store{
		db:           db,
		projectCache: make(map[string]model.Project),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		jtiReplays:   jtiReplays,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjectsByID)
		return b.ForEach(func(k, v []byte) error {
			var p model.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			s.projectCache[p.FullName] = p
			return nil
		})
	})
}

func (s *Store) Close() error { return s.db.Close() }

func u64Key(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (s *Store) nextID(tx *bolt.Tx, name string) (uint64, error) {
	b := tx.Bucket(bucketCounters)
	cur := b.Get([]byte(name))
	var n uint64
	if cur != nil {
		n = binary.BigEndian.Uint64(cur)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := b.Put([]byte(name), buf); err != nil {
		return 0, err
	}
	return n, nil
}

func recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	h.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attribute.String("operation", op)))
}

// --- Project ---

func (s *Store) UpsertProject(ctx context.Context, fullName string) (uint64, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "upsert_project")

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projectCache[fullName]; ok {
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))
		return p.ID, nil
	}
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))

	var id uint64
	var p model.Project
	err := s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketProjectsByName)
		if v := byName.Get([]byte(fullName)); v != nil {
			id = binary.BigEndian.Uint64(v)
			byID := tx.Bucket(bucketProjectsByID)
			raw := byID.Get(u64Key(id))
			return json.Unmarshal(raw, &p)
		}
		newID, err := s.nextID(tx, "project")
		if err != nil {
			return err
		}
		id = newID
		p = model.Project{ID: id, FullName: fullName, CreatedAt: time.Now().UTC()}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := byName.Put([]byte(fullName), u64Key(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketProjectsByID).Put(u64Key(id), raw)
	})
	if err != nil {
		return 0, err
	}
	s.projectCache[fullName] = p
	return id, nil
}

func (s *Store) GetProject(ctx context.Context, fullName string) (model.Project, error) {
	start := time.Now()
	defer recordLatency(ctx, s.readLatency, start, "get_project")

	s.mu.Lock()
	if p, ok := s.projectCache[fullName]; ok {
		s.mu.Unlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))
		return p, nil
	}
	s.mu.Unlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "project")))
	return model.Project{}, store.ErrNotFound
}

func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Project, 0, len(s.projectCache))
	for _, p := range s.projectCache {
		out = append(out, p)
	}
	return out, nil
}

// --- Module ---

func moduleIndexKeyStr(projectID uint64, version string, digest [32]byte) []byte {
	return []byte(fmt.Sprintf("%d:%s:%x", projectID, version, digest))
}

func (s *Store) InsertModule(ctx context.Context, projectID uint64, version string, digest [32]byte, blobKey string) (uint64, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "insert_module")

	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketModuleIndex)
		key := moduleIndexKeyStr(projectID, version, digest)
		if v := idx.Get(key); v != nil {
			id = binary.BigEndian.Uint64(v)
			return nil
		}
		newID, err := s.nextID(tx, "module")
		if err != nil {
			return err
		}
		id = newID
		m := model.Module{ID: id, ProjectID: projectID, Version: version, Digest: digest, BlobKey: blobKey, CreatedAt: time.Now().UTC()}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := idx.Put(key, u64Key(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketModulesByID).Put(u64Key(id), raw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketModulesByProj).Put(append(u64Key(projectID), u64Key(id)...), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketLatestModule).Put(u64Key(projectID), u64Key(id))
	})
	return id, err
}

func (s *Store) getModuleTx(tx *bolt.Tx, id uint64) (model.Module, error) {
	raw := tx.Bucket(bucketModulesByID).Get(u64Key(id))
	if raw == nil {
		return model.Module{}, store.ErrNotFound
	}
	var m model.Module
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Module{}, err
	}
	return m, nil
}

func (s *Store) ListModules(ctx context.Context, projectID uint64) ([]model.Module, error) {
	start := time.Now()
	defer recordLatency(ctx, s.readLatency, start, "list_modules")

	var out []model.Module
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := u64Key(projectID)
		c := tx.Bucket(bucketModulesByProj).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			moduleID := binary.BigEndian.Uint64(k[8:])
			m, err := s.getModuleTx(tx, moduleID)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) GetLatestCatalog(ctx context.Context, projectID uint64) (store.CatalogResult, error) {
	start := time.Now()
	defer recordLatency(ctx, s.readLatency, start, "get_latest_catalog")

	var res store.CatalogResult
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLatestModule).Get(u64Key(projectID))
		if v == nil {
			return store.ErrNotFound
		}
		moduleID := binary.BigEndian.Uint64(v)
		res.ModuleID = moduleID
		prefix := u64Key(moduleID)
		c := tx.Bucket(bucketFunctionsByMod).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			functionID := binary.BigEndian.Uint64(k[8:])
			raw := tx.Bucket(bucketFunctionsByID).Get(u64Key(functionID))
			if raw == nil {
				continue
			}
			var jf jsonFunction
			if err := json.Unmarshal(raw, &jf); err != nil {
				return err
			}
			res.Names = append(res.Names, jf.Name)
		}
		return nil
	})
	return res, err
}

// --- Blob ---

func (s *Store) WriteBlobIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "write_blob")

	wrote := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		wrote = true
		return b.Put([]byte(key), data)
	})
	return wrote, err
}

func (s *Store) ReadBlob(ctx context.Context, moduleID uint64) ([]byte, error) {
	start := time.Now()
	defer recordLatency(ctx, s.readLatency, start, "read_blob")

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := s.getModuleTx(tx, moduleID)
		if err != nil {
			return err
		}
		v := tx.Bucket(bucketBlobs).Get([]byte(m.BlobKey))
		if v == nil {
			return store.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// --- Function + Sketch ---

func functionIndexKeyStr(moduleID uint64, name string) []byte {
	return []byte(fmt.Sprintf("%d:%s", moduleID, name))
}

func (s *Store) LoadOrCreateFunction(ctx context.Context, moduleID uint64, name string, defaultBits uint8) (store.FunctionState, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "load_or_create_function")

	s.mu.Lock()
	defer s.mu.Unlock()

	var fs store.FunctionState
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketFunctionIndex)
		key := functionIndexKeyStr(moduleID, name)
		var functionID uint64
		if v := idx.Get(key); v != nil {
			functionID = binary.BigEndian.Uint64(v)
		} else {
			newID, err := s.nextID(tx, "function")
			if err != nil {
				return err
			}
			functionID = newID
			jf := jsonFunction{ID: functionID, ModuleID: moduleID, Name: name, Bits: defaultBits, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
			raw, err := json.Marshal(jf)
			if err != nil {
				return err
			}
			if err := idx.Put(key, u64Key(functionID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketFunctionsByID).Put(u64Key(functionID), raw); err != nil {
				return err
			}
			if err := tx.Bucket(bucketFunctionsByMod).Put(append(u64Key(moduleID), u64Key(functionID)...), nil); err != nil {
				return err
			}
			empty, err := sketch.New(defaultBits)
			if err != nil {
				return err
			}
			denseRaw, err := json.Marshal(empty.ToDense())
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketSketches).Put(u64Key(functionID), denseRaw); err != nil {
				return err
			}
		}

		rawF := tx.Bucket(bucketFunctionsByID).Get(u64Key(functionID))
		var jf jsonFunction
		if err := json.Unmarshal(rawF, &jf); err != nil {
			return err
		}
		rawS := tx.Bucket(bucketSketches).Get(u64Key(functionID))
		var dense []uint64
		if err := json.Unmarshal(rawS, &dense); err != nil {
			return err
		}
		sk, err := sketch.FromDense(jf.Bits, dense)
		if err != nil {
			return err
		}
		fs = store.FunctionState{FunctionID: functionID, ModuleID: moduleID, Name: name, Bits: jf.Bits, Sketch: sk, Best: jf.Best, Submitted: jf.Submitted}
		return nil
	})
	return fs, err
}

func (s *Store) ApplySketchUpdate(ctx context.Context, functionID uint64, pairs []sketch.Pair, candidateBest model.Best) (int, float64, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "apply_sketch_update")

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	var estimate float64
	err := s.db.Update(func(tx *bolt.Tx) error {
		rawF := tx.Bucket(bucketFunctionsByID).Get(u64Key(functionID))
		if rawF == nil {
			return store.ErrNotFound
		}
		var jf jsonFunction
		if err := json.Unmarshal(rawF, &jf); err != nil {
			return err
		}
		rawS := tx.Bucket(bucketSketches).Get(u64Key(functionID))
		var dense []uint64
		if err := json.Unmarshal(rawS, &dense); err != nil {
			return err
		}
		sk, err := sketch.FromDense(jf.Bits, dense)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if sk.Insert(p.Hash) {
				applied++
			}
		}
		if applied > 0 {
			newDense, err := json.Marshal(sk.ToDense())
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketSketches).Put(u64Key(functionID), newDense); err != nil {
				return err
			}
		}
		if candidateBest.Set && (!jf.Best.Set || candidateBest.Hash < jf.Best.Hash) {
			jf.Best = candidateBest
		}
		jf.Submitted += uint64(applied)
		jf.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(jf)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFunctionsByID).Put(u64Key(functionID), raw); err != nil {
			return err
		}
		estimate = sk.Estimate()
		return nil
	})
	return applied, estimate, err
}

// --- JTI ---

func (s *Store) ClaimJTI(ctx context.Context, jti string, expiry time.Time) (bool, error) {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, start, "claim_jti")

	accepted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJTI)
		if b.Get([]byte(jti)) != nil {
			s.jtiReplays.Add(ctx, 1)
			return nil
		}
		accepted = true
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
		return b.Put([]byte(jti), buf)
	})
	return accepted, err
}

func (s *Store) PruneExpiredJTIs(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJTI)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			exp := int64(binary.BigEndian.Uint64(v))
			if now.UnixNano() > exp {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
