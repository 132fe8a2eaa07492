// Package badgerstore implements internal/store.Repository on top of
// BadgerDB, grounded on services/blockchain/store/kv_store.go: fixed-width
// binary keys, idempotent probe-before-write, sha256+murmur3 digest
// mixing, and OTel counters recorded at the same call sites the
// teacher records its block counters.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bayesguard/bayes-engine/internal/model"
	"github.com/bayesguard/bayes-engine/internal/sketch"
	"github.com/bayesguard/bayes-engine/internal/store"
)

// Store wraps a BadgerDB instance implementing store.Repository.
type Store struct {
	mu  sync.Mutex // serializes ApplySketchUpdate/ClaimJTI per-key sections
	db  *badger.DB
	seq map[string]*badger.Sequence

	modulesTotal   metric.Int64Counter
	submitsTotal   metric.Int64Counter
	jtiClaims      metric.Int64Counter
	jtiReplays     metric.Int64Counter
	sketchApplied  metric.Int64Counter
	sketchRejected metric.Int64Counter
}

var _ store.Repository = (*Store)(nil)

// Open returns a badger-backed store rooted at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	m := otel.Meter("bayes-engine")
	modulesTotal, _ := m.Int64Counter("bayes_store_modules_total")
	submitsTotal, _ := m.Int64Counter("bayes_store_submissions_total")
	jtiClaims, _ := m.Int64Counter("bayes_store_jti_claims_total")
	jtiReplays, _ := m.Int64Counter("bayes_store_jti_replays_total")
	sketchApplied, _ := m.Int64Counter("bayes_store_sketch_pairs_applied_total")
	sketchRejected, _ := m.Int64Counter("bayes_store_sketch_pairs_rejected_total")
	return &Store{
		db:             db,
		seq:            make(map[string]*badger.Sequence),
		modulesTotal:   modulesTotal,
		submitsTotal:   submitsTotal,
		jtiClaims:      jtiClaims,
		jtiReplays:     jtiReplays,
		sketchApplied:  sketchApplied,
		sketchRejected: sketchRejected,
	}, nil
}

func (s *Store) Close() error {
	for _, sq := range s.seq {
		_ = sq.Release()
	}
	return s.db.Close()
}

func (s *Store) nextID(name string) (uint64, error) {
	s.mu.Lock()
	sq, ok := s.seq[name]
	if !ok {
		var err error
		sq, err = s.db.GetSequence([]byte("seq:"+name), 1000)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.seq[name] = sq
	}
	s.mu.Unlock()
	return sq.Next()
}

// --- key encoding ---

func keyU64(prefix string, id uint64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], id)
	return b
}

func projectByNameKey(name string) []byte { return append([]byte("proj:byname:"), name...) }
func projectByIDKey(id uint64) []byte     { return keyU64("proj:byid:", id) }
func projectLatestModuleKey(id uint64) []byte { return keyU64("proj:latestmod:", id) }

func moduleByIDKey(id uint64) []byte { return keyU64("mod:byid:", id) }
func moduleIndexKey(projectID uint64, version string, digest [32]byte) []byte {
	var b bytes.Buffer
	b.WriteString("mod:byidx:")
	_ = binary.Write(&b, binary.BigEndian, projectID)
	b.WriteByte(0)
	b.WriteString(version)
	b.WriteByte(0)
	b.Write(digest[:])
	return b.Bytes()
}
func moduleByProjectKey(projectID, moduleID uint64) []byte {
	var b bytes.Buffer
	b.WriteString("mod:byproj:")
	_ = binary.Write(&b, binary.BigEndian, projectID)
	_ = binary.Write(&b, binary.BigEndian, moduleID)
	return b.Bytes()
}

func functionByIDKey(id uint64) []byte { return keyU64("func:byid:", id) }
func functionIndexKey(moduleID uint64, name string) []byte {
	var b bytes.Buffer
	b.WriteString("func:byidx:")
	_ = binary.Write(&b, binary.BigEndian, moduleID)
	b.WriteByte(0)
	b.WriteString(name)
	return b.Bytes()
}
func functionsByModuleKey(moduleID, functionID uint64) []byte {
	var b bytes.Buffer
	b.WriteString("func:bymod:")
	_ = binary.Write(&b, binary.BigEndian, moduleID)
	_ = binary.Write(&b, binary.BigEndian, functionID)
	return b.Bytes()
}

func sketchKey(functionID uint64) []byte { return keyU64("sketch:", functionID) }
func blobKey(key string) []byte          { return append([]byte("blob:"), key...) }
func jtiKey(jti string) []byte           { return append([]byte("jti:"), jti...) }

// --- digest helper (sha256 + murmur3 mixing for non-crypto cache keys) ---

// mixDigest returns a fast 8-byte mix of b, used only for log-friendly
// short identifiers, never for the content digest itself.
func mixDigest(b []byte) uint64 { return murmur3.Sum64(b) }

// --- Project ---

func (s *Store) UpsertProject(ctx context.Context, fullName string) (uint64, error) {
	var id uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(projectByNameKey(fullName))
		if err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id = binary.BigEndian.Uint64(v)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		newID, err := s.nextID("project")
		if err != nil {
			return err
		}
		id = newID
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		if err := txn.Set(projectByNameKey(fullName), idBuf); err != nil {
			return err
		}
		rec := encodeProject(model.Project{ID: id, FullName: fullName, CreatedAt: time.Now().UTC()})
		return txn.Set(projectByIDKey(id), rec)
	})
	return id, err
}

func (s *Store) GetProject(ctx context.Context, fullName string) (model.Project, error) {
	var p model.Project
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectByNameKey(fullName))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id := binary.BigEndian.Uint64(v)
		item2, err := txn.Get(projectByIDKey(id))
		if err != nil {
			return err
		}
		raw, err := item2.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err = decodeProject(raw)
		return err
	})
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("proj:byid:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := decodeProject(raw)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// --- Module ---

func (s *Store) InsertModule(ctx context.Context, projectID uint64, version string, digest [32]byte, blobK string) (uint64, error) {
	var id uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		idxKey := moduleIndexKey(projectID, version, digest)
		if item, err := txn.Get(idxKey); err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id = binary.BigEndian.Uint64(v)
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		newID, err := s.nextID("module")
		if err != nil {
			return err
		}
		id = newID
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		if err := txn.Set(idxKey, idBuf); err != nil {
			return err
		}
		rec := encodeModule(model.Module{ID: id, ProjectID: projectID, Version: version, Digest: digest, BlobKey: blobK, CreatedAt: time.Now().UTC()})
		if err := txn.Set(moduleByIDKey(id), rec); err != nil {
			return err
		}
		if err := txn.Set(moduleByProjectKey(projectID, id), nil); err != nil {
			return err
		}
		if err := txn.Set(projectLatestModuleKey(projectID), idBuf); err != nil {
			return err
		}
		s.modulesTotal.Add(ctx, 1)
		return nil
	})
	return id, err
}

func (s *Store) getModule(txn *badger.Txn, id uint64) (model.Module, error) {
	item, err := txn.Get(moduleByIDKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.Module{}, store.ErrNotFound
		}
		return model.Module{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return model.Module{}, err
	}
	return decodeModule(raw)
}

func (s *Store) ListModules(ctx context.Context, projectID uint64) ([]model.Module, error) {
	var out []model.Module
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := append([]byte("mod:byproj:"), make([]byte, 8)...)
		binary.BigEndian.PutUint64(prefix[len("mod:byproj:"):], projectID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			moduleID := binary.BigEndian.Uint64(k[len(prefix):])
			m, err := s.getModule(txn, moduleID)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetLatestCatalog(ctx context.Context, projectID uint64) (store.CatalogResult, error) {
	var res store.CatalogResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectLatestModuleKey(projectID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		moduleID := binary.BigEndian.Uint64(v)
		res.ModuleID = moduleID
		prefix := append([]byte("func:bymod:"), make([]byte, 8)...)
		binary.BigEndian.PutUint64(prefix[len("func:bymod:"):], moduleID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			functionID := binary.BigEndian.Uint64(k[len(prefix):])
			fitem, err := txn.Get(functionByIDKey(functionID))
			if err != nil {
				return err
			}
			raw, err := fitem.ValueCopy(nil)
			if err != nil {
				return err
			}
			fn, err := decodeFunction(raw)
			if err != nil {
				return err
			}
			res.Names = append(res.Names, fn.Name)
		}
		return nil
	})
	return res, err
}

// --- Blob ---

func (s *Store) WriteBlobIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	wrote := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(key))
		if err == nil {
			return nil // already present: no-op, per spec.md §4.4 step 4
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		wrote = true
		return txn.Set(blobKey(key), data)
	})
	return wrote, err
}

func (s *Store) ReadBlob(ctx context.Context, moduleID uint64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.getModule(txn, moduleID)
		if err != nil {
			return err
		}
		item, err := txn.Get(blobKey(m.BlobKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// --- Function + Sketch ---

func (s *Store) LoadOrCreateFunction(ctx context.Context, moduleID uint64, name string, defaultBits uint8) (store.FunctionState, error) {
	var fs store.FunctionState
	err := s.db.Update(func(txn *badger.Txn) error {
		idxKey := functionIndexKey(moduleID, name)
		var functionID uint64
		if item, err := txn.Get(idxKey); err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			functionID = binary.BigEndian.Uint64(v)
		} else if errors.Is(err, badger.ErrKeyNotFound) {
			newID, err := s.nextID("function")
			if err != nil {
				return err
			}
			functionID = newID
			idBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(idBuf, functionID)
			if err := txn.Set(idxKey, idBuf); err != nil {
				return err
			}
			fn := model.Function{ID: functionID, ModuleID: moduleID, Name: name, Bits: defaultBits, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
			if err := txn.Set(functionByIDKey(functionID), encodeFunction(fn)); err != nil {
				return err
			}
			if err := txn.Set(functionsByModuleKey(moduleID, functionID), nil); err != nil {
				return err
			}
			empty, err := sketch.New(defaultBits)
			if err != nil {
				return err
			}
			if err := txn.Set(sketchKey(functionID), encodeDense(empty.ToDense())); err != nil {
				return err
			}
		} else {
			return err
		}

		fitem, err := txn.Get(functionByIDKey(functionID))
		if err != nil {
			return err
		}
		rawF, err := fitem.ValueCopy(nil)
		if err != nil {
			return err
		}
		fn, err := decodeFunction(rawF)
		if err != nil {
			return err
		}
		sitem, err := txn.Get(sketchKey(functionID))
		if err != nil {
			return err
		}
		rawS, err := sitem.ValueCopy(nil)
		if err != nil {
			return err
		}
		dense, err := decodeDense(rawS)
		if err != nil {
			return err
		}
		sk, err := sketch.FromDense(fn.Bits, dense)
		if err != nil {
			return err
		}
		fs = store.FunctionState{FunctionID: functionID, ModuleID: moduleID, Name: name, Bits: fn.Bits, Sketch: sk, Best: fn.Best, Submitted: fn.Submitted}
		return nil
	})
	return fs, err
}

func (s *Store) ApplySketchUpdate(ctx context.Context, functionID uint64, pairs []sketch.Pair, candidateBest model.Best) (int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	var estimate float64
	err := s.db.Update(func(txn *badger.Txn) error {
		fitem, err := txn.Get(functionByIDKey(functionID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		rawF, err := fitem.ValueCopy(nil)
		if err != nil {
			return err
		}
		fn, err := decodeFunction(rawF)
		if err != nil {
			return err
		}
		sitem, err := txn.Get(sketchKey(functionID))
		if err != nil {
			return err
		}
		rawS, err := sitem.ValueCopy(nil)
		if err != nil {
			return err
		}
		dense, err := decodeDense(rawS)
		if err != nil {
			return err
		}
		sk, err := sketch.FromDense(fn.Bits, dense)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if sk.Insert(p.Hash) {
				applied++
			}
		}
		if applied > 0 {
			if err := txn.Set(sketchKey(functionID), encodeDense(sk.ToDense())); err != nil {
				return err
			}
		}
		if candidateBest.Set && (!fn.Best.Set || candidateBest.Hash < fn.Best.Hash) {
			fn.Best = candidateBest
		}
		fn.Submitted += uint64(applied)
		fn.UpdatedAt = time.Now().UTC()
		if err := txn.Set(functionByIDKey(functionID), encodeFunction(fn)); err != nil {
			return err
		}
		estimate = sk.Estimate()
		s.sketchApplied.Add(ctx, int64(applied))
		s.sketchRejected.Add(ctx, int64(len(pairs)-applied))
		if applied > 0 {
			s.submitsTotal.Add(ctx, 1)
		}
		return nil
	})
	return applied, estimate, err
}

// --- JTI ---

func (s *Store) ClaimJTI(ctx context.Context, jti string, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jtiKey(jti)); err == nil {
			s.jtiReplays.Add(ctx, 1)
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		accepted = true
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
		e := badger.NewEntry(jtiKey(jti), buf)
		ttl := time.Until(expiry)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		s.jtiClaims.Add(ctx, 1)
		return txn.SetEntry(e)
	})
	return accepted, err
}

func (s *Store) PruneExpiredJTIs(ctx context.Context, now time.Time) (int, error) {
	// Badger's own TTL/GC already reclaims expired entries; an explicit
	// prune is a no-op here but kept to satisfy the interface uniformly
	// with boltstore, which has no native TTL.
	return 0, nil
}
