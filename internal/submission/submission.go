// Package submission implements the C5 controller: the only component
// authorized to mutate a function's sketch. Ordering and the cheap-path
// register check follow spec.md §4.5; the circuit-breaker-guarded
// sandbox call and per-client advisory rate limiting are grounded on
// services/api-gateway/gateway_v2.go's forwardToService pipeline,
// retargeted from forwarding an HTTP request to invoking the sandboxed
// evaluator.
package submission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
	"github.com/bayesguard/bayes-engine/internal/model"
	"github.com/bayesguard/bayes-engine/internal/resilience"
	"github.com/bayesguard/bayes-engine/internal/sketch"
	"github.com/bayesguard/bayes-engine/internal/store"
)

// Evaluator is the sandboxed re-execution step the controller consults
// before trusting any claimed hash.
type Evaluator interface {
	Invoke(ctx context.Context, digest [32]byte, blob []byte, exportedName string, seed uint64) (uint64, error)
}

// Pair is one claimed (seed, hash) tuple for a function, as submitted
// by a worker.
type Pair struct {
	Seed uint64
	Hash uint64
}

// Response mirrors the single-submission contract of spec.md §4.5 step 6.
type Response struct {
	Improved       bool
	Estimate       float64
	SubmittedTotal uint64
}

// Controller is the sole authority allowed to call ApplySketchUpdate.
type Controller struct {
	repo        store.Repository
	evaluator   Evaluator
	limiter     *resilience.RateLimiter
	breaker     *resilience.CircuitBreaker
	defaultBits uint8

	notImproving metric.Int64Counter
	forgeries    metric.Int64Counter
	accepted     metric.Int64Counter
}

// New constructs a Controller. limiter and breaker may be nil to
// disable advisory rate limiting / circuit breaking respectively.
// defaultBits sizes a function's sketch the first time it's seen via
// this path rather than via ingest's catalog, matching the configured
// HLL_DEFAULT_BITS the same way ingest.New and newServer do.
func New(repo store.Repository, evaluator Evaluator, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, defaultBits uint8) *Controller {
	m := otel.Meter("bayes-engine")
	notImproving, _ := m.Int64Counter("bayes_submission_not_improving_total")
	forgeries, _ := m.Int64Counter("bayes_submission_forgery_total")
	accepted, _ := m.Int64Counter("bayes_submission_accepted_total")
	return &Controller{
		repo:         repo,
		evaluator:    evaluator,
		limiter:      limiter,
		breaker:      breaker,
		defaultBits:  defaultBits,
		notImproving: notImproving,
		forgeries:    forgeries,
		accepted:     accepted,
	}
}

// Submit validates and applies a single (seed, hash) pair, per the
// six-step contract.
func (c *Controller) Submit(ctx context.Context, clientKey string, moduleID uint64, functionName string, pair Pair, blob []byte, digest [32]byte) (Response, error) {
	if c.limiter != nil && !c.limiter.Allow(clientKey) {
		return Response{}, bayeserr.New(bayeserr.KindRateLimited, "submission rate limit exceeded")
	}

	// Step 1: default bits is irrelevant on lookup of an existing
	// function, but required if this is the function's first submission.
	fs, err := c.repo.LoadOrCreateFunction(ctx, moduleID, functionName, c.defaultBits)
	if err != nil {
		if err == store.ErrNotFound {
			return Response{}, bayeserr.New(bayeserr.KindUnknownModule, "unknown module")
		}
		return Response{}, bayeserr.Wrap(bayeserr.KindTransient, "function lookup failed", err)
	}

	verifiedPair, rejectErr := c.verify(ctx, fs, pair, blob, digest, functionName)
	if rejectErr != nil {
		return Response{}, rejectErr
	}
	if verifiedPair == nil {
		c.notImproving.Add(ctx, 1)
		return Response{Improved: false, Estimate: fs.Sketch.Estimate(), SubmittedTotal: fs.Submitted}, nil
	}

	return c.apply(ctx, fs.FunctionID, fs.Submitted, []sketch.Pair{*verifiedPair}, pair)
}

// SubmitBatch verifies each pair independently, then applies every
// surviving pair in one atomic update (spec.md §4.5 batch form).
func (c *Controller) SubmitBatch(ctx context.Context, clientKey string, moduleID uint64, functionName string, pairs []Pair, blob []byte, digest [32]byte) (Response, error) {
	if c.limiter != nil && !c.limiter.Allow(clientKey) {
		return Response{}, bayeserr.New(bayeserr.KindRateLimited, "submission rate limit exceeded")
	}

	fs, err := c.repo.LoadOrCreateFunction(ctx, moduleID, functionName, c.defaultBits)
	if err != nil {
		if err == store.ErrNotFound {
			return Response{}, bayeserr.New(bayeserr.KindUnknownModule, "unknown module")
		}
		return Response{}, bayeserr.Wrap(bayeserr.KindTransient, "function lookup failed", err)
	}

	var surviving []sketch.Pair
	var best Pair
	haveBest := false
	for _, p := range pairs {
		verifiedPair, rejectErr := c.verify(ctx, fs, p, blob, digest, functionName)
		if rejectErr != nil {
			return Response{}, rejectErr
		}
		if verifiedPair != nil {
			surviving = append(surviving, *verifiedPair)
			if !haveBest || p.Hash < best.Hash {
				best, haveBest = p, true
			}
		}
	}
	if len(surviving) == 0 {
		c.notImproving.Add(ctx, 1)
		return Response{Improved: false, Estimate: fs.Sketch.Estimate(), SubmittedTotal: fs.Submitted}, nil
	}
	return c.apply(ctx, fs.FunctionID, fs.Submitted, surviving, best)
}

// verify runs steps 2-4: the cheap in-memory check, then (only if it
// might improve) a sandboxed re-evaluation confirming the worker's
// claimed hash. Returns nil, nil when the pair is cheaply rejected as
// not-improving — a normal outcome, not an error.
func (c *Controller) verify(ctx context.Context, fs store.FunctionState, pair Pair, blob []byte, digest [32]byte, functionName string) (*sketch.Pair, error) {
	register := fs.Sketch.RegisterIndex(pair.Hash)

	if cur, present := fs.Sketch.Peek(pair.Hash); present && pair.Hash >= cur {
		return nil, nil
	}

	evalFn := func(innerCtx context.Context) (uint64, error) {
		return c.evaluator.Invoke(innerCtx, digest, blob, functionName, pair.Seed)
	}
	var result uint64
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, func(innerCtx context.Context) error {
			var innerErr error
			result, innerErr = evalFn(innerCtx)
			return innerErr
		})
	} else {
		result, err = evalFn(ctx)
	}
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return nil, bayeserr.New(bayeserr.KindTransient, "sandbox evaluator circuit open")
		}
		var bErr *bayeserr.Error
		if bayeserr.As(err, &bErr) {
			return nil, bErr
		}
		return nil, bayeserr.Wrap(bayeserr.KindInvalidFunction, "sandbox evaluation failed", err)
	}
	if result != pair.Hash {
		c.forgeries.Add(ctx, 1)
		return nil, bayeserr.New(bayeserr.KindForgery, "claimed hash does not match re-evaluation result")
	}
	return &sketch.Pair{Register: register, Hash: pair.Hash}, nil
}

func (c *Controller) apply(ctx context.Context, functionID uint64, priorSubmitted uint64, pairs []sketch.Pair, candidate Pair) (Response, error) {
	candidateBest := model.Best{Seed: candidate.Seed, Hash: candidate.Hash, Set: true}
	applied, estimate, err := c.repo.ApplySketchUpdate(ctx, functionID, pairs, candidateBest)
	if err != nil {
		return Response{}, bayeserr.Wrap(bayeserr.KindTransient, "sketch update failed", err)
	}
	c.accepted.Add(ctx, int64(applied))
	return Response{Improved: applied > 0, Estimate: estimate, SubmittedTotal: priorSubmitted + uint64(applied)}, nil
}
