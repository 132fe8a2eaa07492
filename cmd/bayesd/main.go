// Command bayesd is the engine's single deployable process: it serves
// the HTTP surface of spec.md §6 over whichever store backend is
// configured. Lifecycle (signal-driven shutdown, tracer/metrics init
// before the mux is built, bounded shutdown deadline) is grounded on
// services/policy-service/main.go and services/api-gateway/gateway_v2.go's
// realMainV2.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bayesguard/bayes-engine/internal/config"
	"github.com/bayesguard/bayes-engine/internal/corelog"
	"github.com/bayesguard/bayes-engine/internal/identity"
	"github.com/bayesguard/bayes-engine/internal/ingest"
	"github.com/bayesguard/bayes-engine/internal/oteltel"
	"github.com/bayesguard/bayes-engine/internal/policy"
	"github.com/bayesguard/bayes-engine/internal/resilience"
	"github.com/bayesguard/bayes-engine/internal/sandbox"
	"github.com/bayesguard/bayes-engine/internal/store"
	"github.com/bayesguard/bayes-engine/internal/store/badgerstore"
	"github.com/bayesguard/bayes-engine/internal/store/boltstore"
	"github.com/bayesguard/bayes-engine/internal/submission"
)

const (
	serviceName = "bayesd"
	version     = "0.1.0"
)

func main() {
	corelog.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	shutdownTrace := oteltel.InitTracer(ctx, serviceName)
	shutdownMetrics, metricsHandler := oteltel.InitMetrics(serviceName)

	repo, closeRepo, err := openStore(cfg)
	if err != nil {
		slog.Error("store open failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	verifier := identity.New(identity.Config{
		Issuer:      cfg.OIDCIssuer,
		JWKSURL:     cfg.JWKSURL,
		PositiveTTL: cfg.JWKSPositiveTTL,
		NegativeTTL: cfg.JWKSNegativeTTL,
	}, repo, http.DefaultClient)

	if cfg.JWKSLocalDir != "" {
		if err := verifier.LoadLocalKeys(cfg.JWKSLocalDir); err != nil {
			slog.Warn("initial local JWKS load failed", "dir", cfg.JWKSLocalDir, "error", err)
		}
		go verifier.WatchLocalKeys(ctx, cfg.JWKSLocalDir, func(err error) {
			if err != nil {
				slog.Warn("local JWKS reload failed", "error", err)
			}
		})
	}

	gate, err := policy.New(ctx, cfg.AcceptedEventNames)
	if err != nil {
		slog.Error("ingest policy gate failed to prepare", "error", err)
		os.Exit(1)
	}

	evaluator := sandbox.New(cfg.SandboxFuel, cfg.SandboxTimeout)

	ingestCtl := ingest.New(repo, verifier, gate, cfg.OIDCAudienceIngest, cfg.MaxBlobBytes, uint8(cfg.HLLDefaultBits))

	breaker := resilience.NewCircuitBreaker(cfg.CircuitWindow, cfg.CircuitBuckets, cfg.CircuitMinSamples, cfg.CircuitFailureRateOpen, cfg.CircuitHalfOpenAfter, cfg.CircuitMaxHalfOpenProbe)
	limiter := resilience.NewRateLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitInterval)
	submissionCtl := submission.New(repo, evaluator, limiter, breaker, uint8(cfg.HLLDefaultBits))

	srv := newServer(repo, ingestCtl, submissionCtl, breaker, limiter, uint8(cfg.HLLDefaultBits))
	mux := srv.routes()
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting bayesd", "addr", httpServer.Addr, "version", version, "store_backend", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	oteltel.Flush(shutdownCtx, shutdownTrace)
	oteltel.Flush(shutdownCtx, shutdownMetrics)
	slog.Info("shutdown complete")
}

// openStore selects the backend per STORE_BACKEND, matching spec.md
// §4.2's "exact schema is an implementation concern" latitude: both
// badgerstore and boltstore satisfy store.Repository identically from
// the controllers' point of view.
func openStore(cfg config.Config) (store.Repository, func(), error) {
	switch cfg.StoreBackend {
	case "bbolt":
		st, err := boltstore.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "badger", "":
		st, err := badgerstore.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown STORE_BACKEND %q (want \"badger\" or \"bbolt\")", cfg.StoreBackend)
	}
}
