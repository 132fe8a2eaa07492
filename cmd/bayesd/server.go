// The HTTP surface of spec.md §6, structured as a Server so it can be
// exercised from tests without going through main() — mirrors how
// services/api-gateway/gateway_v2.go centers its handlers on a Gateway
// struct rather than package-level closures.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
	"github.com/bayesguard/bayes-engine/internal/ingest"
	"github.com/bayesguard/bayes-engine/internal/resilience"
	"github.com/bayesguard/bayes-engine/internal/store"
	"github.com/bayesguard/bayes-engine/internal/submission"
)

// Server wires the store and controllers into the HTTP surface.
type Server struct {
	repo           store.Repository
	ingestCtl      *ingest.Controller
	submissionCtl  *submission.Controller
	breaker        *resilience.CircuitBreaker
	limiter        *resilience.RateLimiter
	audienceIngest string
	defaultBits    uint8
	startedAt      time.Time
}

func newServer(repo store.Repository, ingestCtl *ingest.Controller, submissionCtl *submission.Controller, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter, defaultBits uint8) *Server {
	return &Server{
		repo:          repo,
		ingestCtl:     ingestCtl,
		submissionCtl: submissionCtl,
		breaker:       breaker,
		limiter:       limiter,
		defaultBits:   defaultBits,
		startedAt:     time.Now(),
	}
}

// routes returns the full mux, public and internal surfaces together —
// every teacher cmd/*/main.go builds one mux and mounts both on it.
// Returned concretely (not http.Handler) so main can mount /metrics
// onto the same mux without a type assertion.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{owner}/{name}", s.handleProjectDetail)
	mux.HandleFunc("GET /api/projects/{owner}/{name}/latest-catalog", s.handleLatestCatalog)
	mux.HandleFunc("GET /api/modules/{id}/blob", s.handleModuleBlob)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/submissions", s.handleSubmissions)
	mux.HandleFunc("GET /internal/circuit-breakers", s.handleCircuitStats)
	mux.HandleFunc("GET /internal/rate-limits", s.handleRateLimitStats)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

// handleReadiness confirms the store backend actually answers, not just
// that the process is up — a failed ListProjects means the backend is
// unreachable and traffic should not be routed here.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, err := s.repo.ListProjects(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "uptime": time.Since(s.startedAt).String()})
}

type projectSummary struct {
	FullName         string  `json:"full_name"`
	SubmittedUpdates uint64  `json:"submitted_updates"`
	BestEstimate     float64 `json:"best_estimate"`
}

// handleListProjects aggregates, per project, the submitted-update count
// and best estimate across the latest module's function catalog — the
// only catalog the store contract (spec.md §4.2) exposes without
// requiring a function name up front.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		writeError(w, bayeserr.Wrap(bayeserr.KindTransient, "list projects failed", err))
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		summary := projectSummary{FullName: p.FullName}
		catalog, err := s.repo.GetLatestCatalog(ctx, p.ID)
		if err == nil {
			for _, name := range catalog.Names {
				fs, ferr := s.repo.LoadOrCreateFunction(ctx, catalog.ModuleID, name, s.defaultBits)
				if ferr != nil {
					continue
				}
				summary.SubmittedUpdates += fs.Submitted
				if est := fs.Sketch.Estimate(); est > summary.BestEstimate {
					summary.BestEstimate = est
				}
			}
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

type moduleSummary struct {
	ID      uint64 `json:"id"`
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

type projectDetail struct {
	FullName string          `json:"full_name"`
	Modules  []moduleSummary `json:"modules"`
}

func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fullName := r.PathValue("owner") + "/" + r.PathValue("name")
	p, err := s.repo.GetProject(ctx, fullName)
	if err != nil {
		writeError(w, projectLookupErr(err))
		return
	}
	modules, err := s.repo.ListModules(ctx, p.ID)
	if err != nil {
		writeError(w, bayeserr.Wrap(bayeserr.KindTransient, "list modules failed", err))
		return
	}
	detail := projectDetail{FullName: p.FullName, Modules: make([]moduleSummary, 0, len(modules))}
	for _, m := range modules {
		detail.Modules = append(detail.Modules, moduleSummary{ID: m.ID, Version: m.Version, Digest: fmt.Sprintf("%x", m.Digest)})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleLatestCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fullName := r.PathValue("owner") + "/" + r.PathValue("name")
	p, err := s.repo.GetProject(ctx, fullName)
	if err != nil {
		writeError(w, projectLookupErr(err))
		return
	}
	catalog, err := s.repo.GetLatestCatalog(ctx, p.ID)
	if err != nil {
		writeError(w, bayeserr.Wrap(bayeserr.KindTransient, "latest catalog lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"module_id": catalog.ModuleID,
		"functions": catalog.Names,
	})
}

func (s *Server) handleModuleBlob(w http.ResponseWriter, r *http.Request) {
	moduleID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "module id must be a positive integer"))
		return
	}
	blob, err := s.repo.ReadBlob(r.Context(), moduleID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, bayeserr.New(bayeserr.KindUnknownModule, "module not found"))
			return
		}
		writeError(w, bayeserr.Wrap(bayeserr.KindTransient, "blob read failed", err))
		return
	}
	w.Header().Set("Content-Type", "application/wasm")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// ingestCatalogForm is the JSON shape of the "catalog" multipart field:
// the digest the uploader claims for blob, paired with the exported
// function names it registers. The ingest controller re-derives the
// digest from blob itself and rejects a mismatch (spec.md §4.4 step 2).
type ingestCatalogForm struct {
	Digest  string   `json:"digest"`
	Entries []string `json:"entries"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "malformed multipart body"))
		return
	}
	token := r.FormValue("token")
	version := r.FormValue("version")
	if token == "" || version == "" {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "token and version are required"))
		return
	}

	var form ingestCatalogForm
	if err := json.Unmarshal([]byte(r.FormValue("catalog")), &form); err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "catalog must be a JSON object with digest and entries"))
		return
	}
	digestBytes, err := decodeHexDigest(form.Digest)
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "catalog digest must be 64 hex chars"))
		return
	}

	file, _, err := r.FormFile("blob")
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "blob file is required"))
		return
	}
	defer file.Close()
	blob, err := readAllLimited(file, maxIngestReadBytes)
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "failed to read blob"))
		return
	}

	result, err := s.ingestCtl.Ingest(r.Context(), token, version, blob, ingest.Catalog{Digest: digestBytes, Entries: form.Entries})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"module_id":    result.ModuleID,
		"function_ids": result.FunctionIDs,
	})
}

type submissionRequest struct {
	ModuleID     uint64 `json:"module_id"`
	FunctionName string `json:"function_name"`
	Seed         string `json:"seed"`
	Hash         string `json:"hash"`
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "malformed submission body"))
		return
	}
	if req.FunctionName == "" {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "function_name is required"))
		return
	}
	seed, err := strconv.ParseUint(req.Seed, 10, 64)
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "seed must be a decimal u64 string"))
		return
	}
	hash, err := strconv.ParseUint(req.Hash, 10, 64)
	if err != nil {
		writeError(w, bayeserr.New(bayeserr.KindMalformedRequest, "hash must be a decimal u64 string"))
		return
	}

	ctx := r.Context()
	blob, err := s.repo.ReadBlob(ctx, req.ModuleID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, bayeserr.New(bayeserr.KindUnknownModule, "unknown module"))
			return
		}
		writeError(w, bayeserr.Wrap(bayeserr.KindTransient, "blob read failed", err))
		return
	}
	digest := sha256.Sum256(blob)

	resp, err := s.submissionCtl.Submit(ctx, rateKey(r), req.ModuleID, req.FunctionName, submission.Pair{Seed: seed, Hash: hash}, blob, digest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                true,
		"improved":          resp.Improved,
		"estimated_tests":   resp.Estimate,
		"submitted_updates": resp.SubmittedTotal,
	})
}

func (s *Server) handleCircuitStats(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.breaker.Stats())
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tracked_keys": 0})
		return
	}
	stats := s.limiter.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracked_keys": len(stats),
		"buckets":      stats,
	})
}

func projectLookupErr(err error) error {
	if err == store.ErrNotFound {
		return bayeserr.New(bayeserr.KindMalformedRequest, "project not found")
	}
	return bayeserr.Wrap(bayeserr.KindTransient, "project lookup failed", err)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError classifies err through the bayeserr taxonomy, matching the
// HTTP status every controller already decided at its own boundary —
// this handler layer never re-derives a status itself.
func writeError(w http.ResponseWriter, err error) {
	var bErr *bayeserr.Error
	if !bayeserr.As(err, &bErr) {
		bErr = bayeserr.Wrap(bayeserr.KindInternal, "unclassified error", err)
	}
	writeJSON(w, bErr.HTTPStatus(), map[string]string{"error": string(bErr.Kind), "message": bErr.Public()})
}

// rateKey derives the submission controller's advisory rate-limit key,
// grounded on api-gateway/main_new.go's rateKey: an API key if present,
// otherwise the forwarded or direct client address.
func rateKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return "k:" + k
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
