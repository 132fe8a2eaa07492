package badgerstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bayesguard/bayes-engine/internal/model"
)

// Fixed-width binary encodings, matching the style of
// services/blockchain/store/kv_store.go's Block marshal/unmarshal: no
// reflection, explicit field order, length-prefixed strings.

func putString(b []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	b = append(b, lenBuf[:]...)
	b = append(b, s...)
	return b
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("badgerstore: truncated string length")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("badgerstore: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func encodeProject(p model.Project) []byte {
	buf := make([]byte, 0, 32+len(p.FullName))
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, p.ID)
	buf = append(buf, idBuf...)
	buf = putString(buf, p.FullName)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(p.CreatedAt.UnixNano()))
	buf = append(buf, tsBuf...)
	return buf
}

func decodeProject(b []byte) (model.Project, error) {
	if len(b) < 8 {
		return model.Project{}, fmt.Errorf("badgerstore: truncated project record")
	}
	id := binary.BigEndian.Uint64(b[:8])
	rest := b[8:]
	name, rest, err := readString(rest)
	if err != nil {
		return model.Project{}, err
	}
	if len(rest) < 8 {
		return model.Project{}, fmt.Errorf("badgerstore: truncated project timestamp")
	}
	ts := int64(binary.BigEndian.Uint64(rest[:8]))
	return model.Project{ID: id, FullName: name, CreatedAt: time.Unix(0, ts).UTC()}, nil
}

func encodeModule(m model.Module) []byte {
	buf := make([]byte, 0, 64+len(m.Version)+len(m.BlobKey))
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, m.ID)
	buf = append(buf, idBuf...)
	binary.BigEndian.PutUint64(idBuf, m.ProjectID)
	buf = append(buf, idBuf...)
	buf = putString(buf, m.Version)
	buf = append(buf, m.Digest[:]...)
	buf = putString(buf, m.BlobKey)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(m.CreatedAt.UnixNano()))
	buf = append(buf, tsBuf...)
	return buf
}

func decodeModule(b []byte) (model.Module, error) {
	if len(b) < 16 {
		return model.Module{}, fmt.Errorf("badgerstore: truncated module record")
	}
	id := binary.BigEndian.Uint64(b[:8])
	projectID := binary.BigEndian.Uint64(b[8:16])
	rest := b[16:]
	version, rest, err := readString(rest)
	if err != nil {
		return model.Module{}, err
	}
	if len(rest) < 32 {
		return model.Module{}, fmt.Errorf("badgerstore: truncated module digest")
	}
	var digest [32]byte
	copy(digest[:], rest[:32])
	rest = rest[32:]
	blobKey, rest, err := readString(rest)
	if err != nil {
		return model.Module{}, err
	}
	if len(rest) < 8 {
		return model.Module{}, fmt.Errorf("badgerstore: truncated module timestamp")
	}
	ts := int64(binary.BigEndian.Uint64(rest[:8]))
	return model.Module{ID: id, ProjectID: projectID, Version: version, Digest: digest, BlobKey: blobKey, CreatedAt: time.Unix(0, ts).UTC()}, nil
}

func encodeFunction(f model.Function) []byte {
	buf := make([]byte, 0, 64+len(f.Name))
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, f.ID)
	buf = append(buf, idBuf...)
	binary.BigEndian.PutUint64(idBuf, f.ModuleID)
	buf = append(buf, idBuf...)
	buf = putString(buf, f.Name)
	buf = append(buf, f.Bits)
	binary.BigEndian.PutUint64(idBuf, f.Submitted)
	buf = append(buf, idBuf...)
	if f.Best.Set {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint64(idBuf, f.Best.Seed)
	buf = append(buf, idBuf...)
	binary.BigEndian.PutUint64(idBuf, f.Best.Hash)
	buf = append(buf, idBuf...)
	tsBuf := make([]byte, 16)
	binary.BigEndian.PutUint64(tsBuf[:8], uint64(f.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(tsBuf[8:], uint64(f.UpdatedAt.UnixNano()))
	buf = append(buf, tsBuf...)
	return buf
}

func decodeFunction(b []byte) (model.Function, error) {
	if len(b) < 16 {
		return model.Function{}, fmt.Errorf("badgerstore: truncated function record")
	}
	id := binary.BigEndian.Uint64(b[:8])
	moduleID := binary.BigEndian.Uint64(b[8:16])
	rest := b[16:]
	name, rest, err := readString(rest)
	if err != nil {
		return model.Function{}, err
	}
	if len(rest) < 1+8+1+8+8+16 {
		return model.Function{}, fmt.Errorf("badgerstore: truncated function tail")
	}
	bitsN := rest[0]
	rest = rest[1:]
	submitted := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	bestSet := rest[0] == 1
	rest = rest[1:]
	bestSeed := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	bestHash := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	createdAt := int64(binary.BigEndian.Uint64(rest[:8]))
	updatedAt := int64(binary.BigEndian.Uint64(rest[8:16]))
	return model.Function{
		ID: id, ModuleID: moduleID, Name: name, Bits: bitsN, Submitted: submitted,
		Best:      model.Best{Seed: bestSeed, Hash: bestHash, Set: bestSet},
		CreatedAt: time.Unix(0, createdAt).UTC(),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func encodeDense(dense []uint64) []byte {
	buf := make([]byte, len(dense)*8)
	for i, v := range dense {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func decodeDense(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("badgerstore: dense sketch buffer length %d not a multiple of 8", len(b))
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out, nil
}
