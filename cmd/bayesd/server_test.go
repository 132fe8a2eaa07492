package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bayesguard/bayes-engine/internal/identity"
	"github.com/bayesguard/bayes-engine/internal/ingest"
	"github.com/bayesguard/bayes-engine/internal/resilience"
	"github.com/bayesguard/bayes-engine/internal/store/badgerstore"
	"github.com/bayesguard/bayes-engine/internal/submission"
)

type fakeVerifier struct{ claims identity.Claims }

func (f *fakeVerifier) Verify(ctx context.Context, token, audience string) (identity.Claims, error) {
	return f.claims, nil
}

type fakeEvaluator struct{ result uint64 }

func (f *fakeEvaluator) Invoke(ctx context.Context, digest [32]byte, blob []byte, exportedName string, seed uint64) (uint64, error) {
	return f.result, nil
}

func validWasm() []byte {
	return []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0xAB}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	repo, err := badgerstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	verifier := &fakeVerifier{claims: identity.Claims{Repository: "acme/widget"}}
	ingestCtl := ingest.New(repo, verifier, nil, "bayes-engine-ingest", 1<<20, 12)
	submissionCtl := submission.New(repo, &fakeEvaluator{result: 7}, resilience.NewRateLimiter(100, 100, time.Minute), nil, 12)
	return newServer(repo, ingestCtl, submissionCtl, nil, resilience.NewRateLimiter(100, 100, time.Minute), 12)
}

func multipartIngestBody(t *testing.T, blob []byte, entries []string) (string, []byte) {
	t.Helper()
	digest := sha256.Sum256(blob)
	catalog, _ := json.Marshal(map[string]interface{}{
		"digest":  hex.EncodeToString(digest[:]),
		"entries": entries,
	})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("token", "tok")
	_ = w.WriteField("version", "v1.0.0")
	_ = w.WriteField("catalog", string(catalog))
	fw, _ := w.CreateFormFile("blob", "module.wasm")
	_, _ = fw.Write(blob)
	_ = w.Close()
	return w.FormDataContentType(), buf.Bytes()
}

func TestHandleIngestThenSubmissions(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	blob := validWasm()
	contentType, body := multipartIngestBody(t, blob, []string{"fuzz_target"})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var ingestResp struct {
		ModuleID uint64 `json:"module_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ingestResp); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	if ingestResp.ModuleID == 0 {
		t.Fatalf("expected nonzero module id")
	}

	submissionBody, _ := json.Marshal(struct {
		ModuleID     uint64 `json:"module_id"`
		FunctionName string `json:"function_name"`
		Seed         string `json:"seed"`
		Hash         string `json:"hash"`
	}{ingestResp.ModuleID, "fuzz_target", "1", "7"})

	req2 := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(submissionBody))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("submission: expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var subResp struct {
		OK       bool    `json:"ok"`
		Improved bool    `json:"improved"`
		Estimate float64 `json:"estimated_tests"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &subResp); err != nil {
		t.Fatalf("decode submission response: %v", err)
	}
	if !subResp.OK || !subResp.Improved {
		t.Fatalf("expected improved submission, got %+v", subResp)
	}

	detailReq := httptest.NewRequest(http.MethodGet, "/api/projects/acme/widget", nil)
	detailRec := httptest.NewRecorder()
	mux.ServeHTTP(detailRec, detailReq)
	if detailRec.Code != http.StatusOK {
		t.Fatalf("project detail: expected 200, got %d: %s", detailRec.Code, detailRec.Body.String())
	}

	blobReq := httptest.NewRequest(http.MethodGet, "/api/modules/"+strconv.FormatUint(ingestResp.ModuleID, 10)+"/blob", nil)
	blobRec := httptest.NewRecorder()
	mux.ServeHTTP(blobRec, blobReq)
	if blobRec.Code != http.StatusOK {
		t.Fatalf("blob: expected 200, got %d", blobRec.Code)
	}
	if blobRec.Header().Get("Content-Type") != "application/wasm" {
		t.Fatalf("expected application/wasm content type, got %s", blobRec.Header().Get("Content-Type"))
	}
	if !bytes.Equal(blobRec.Body.Bytes(), blob) {
		t.Fatalf("blob body mismatch")
	}
}

func TestHandleHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	for _, path := range []string{"/health", "/readiness"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestHandleListProjectsEmpty(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []projectSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no projects, got %d", len(out))
	}
}

func TestHandleModuleBlobNotFound(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/modules/999/blob", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown module, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateKeyPrefersAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "abc123")
	if got := rateKey(req); got != "k:abc123" {
		t.Fatalf("expected k:abc123, got %s", got)
	}
}

func TestRateKeyFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if got := rateKey(req); got != "ip:10.0.0.5:1234" {
		t.Fatalf("expected ip:10.0.0.5:1234, got %s", got)
	}
}

func TestDecodeHexDigestRejectsBadLength(t *testing.T) {
	if _, err := decodeHexDigest("abcd"); err == nil {
		t.Fatalf("expected error for short digest")
	}
}

func TestDecodeHexDigestAccepts32Bytes(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	got, err := decodeHexDigest(hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("decodeHexDigest: %v", err)
	}
	if got != sum {
		t.Fatalf("round trip mismatch")
	}
}
