package main

import (
	"encoding/hex"
	"fmt"
	"io"
)

// maxIngestReadBytes bounds how much of the multipart blob field this
// handler will buffer before the controller's own MaxBlobBytes check
// runs — a denial-of-service backstop independent of configured policy.
const maxIngestReadBytes = 64 << 20

func decodeHexDigest(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32 hex-encoded bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit+1))
}
