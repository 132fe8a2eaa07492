// Package worker provides the engine-side library backing the C6
// search loop: seed generation, a local sketch mirror, and a batching
// submitter. The out-of-scope CLI/browser front ends (see spec.md §1)
// are expected to supply an Evaluator and a Submitter and drive Run.
// The batching-window shape is grounded on
// services/orchestrator/scheduler.go's ticker-driven dispatch loop;
// cancellation follows the context.WithTimeout shutdown pattern common
// to every main.go in this tree.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bayesguard/bayes-engine/internal/sketch"
)

// Pair is a (seed, hash) tuple the loop has decided is worth reporting.
type Pair struct {
	Seed uint64
	Hash uint64
}

// Evaluator computes f(seed) for the function under test. Must be pure:
// the same seed always produces the same hash within one process.
type Evaluator func(seed uint64) (uint64, error)

// SubmitResult is the worker-relevant subset of a server response.
type SubmitResult struct {
	Improved bool
	Estimate float64
	// StaleRegister/StaleValue, when HasStale is true, tell the worker
	// the server's current value for a register it proposed — used to
	// keep the local mirror conservative when another worker won the
	// race (spec.md §4.6 step 5).
	HasStale      bool
	StaleRegister uint64
	StaleValue    uint64
}

// Submitter sends a batch of improvements to the server.
type Submitter interface {
	Submit(ctx context.Context, moduleID uint64, functionName string, batch []Pair) (SubmitResult, error)
}

// Loop runs the local search-and-submit cycle for one function.
type Loop struct {
	local        *sketch.Sketch
	evaluate     Evaluator
	submitter    Submitter
	moduleID     uint64
	functionName string
	batchWindow  time.Duration
	batchMax     int
	seedCache    map[uint64]uint64
}

// New constructs a Loop with a fresh local sketch mirror of the given bits.
func New(bits uint8, moduleID uint64, functionName string, evaluate Evaluator, submitter Submitter, batchWindow time.Duration, batchMax int) (*Loop, error) {
	local, err := sketch.New(bits)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if batchMax <= 0 {
		batchMax = 64
	}
	if batchWindow <= 0 {
		batchWindow = time.Second
	}
	return &Loop{
		local:        local,
		evaluate:     evaluate,
		submitter:    submitter,
		moduleID:     moduleID,
		functionName: functionName,
		batchWindow:  batchWindow,
		batchMax:     batchMax,
		seedCache:    make(map[uint64]uint64),
	}, nil
}

// Mirror returns the loop's local sketch, for inspection or seeding
// a fresh loop from a previously fetched server estimate.
func (l *Loop) Mirror() *sketch.Sketch { return l.local }

func randomSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Run draws seeds, evaluates, and batches improvements until ctx is
// cancelled. In-flight submissions at cancellation are dropped, per
// spec.md §4.6's cancellation rule.
func (l *Loop) Run(ctx context.Context) error {
	pending := make([]Pair, 0, l.batchMax)
	ticker := time.NewTicker(l.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.flush(ctx, &pending)
			continue
		default:
		}

		seed, err := randomSeed()
		if err != nil {
			return fmt.Errorf("worker: seed generation: %w", err)
		}
		hash, ok := l.seedCache[seed]
		if !ok {
			hash, err = l.evaluate(seed)
			if err != nil {
				continue // a single trap/error does not stop the loop
			}
			l.seedCache[seed] = hash
		}
		if !l.local.Insert(hash) {
			continue
		}
		pending = append(pending, Pair{Seed: seed, Hash: hash})
		if len(pending) >= l.batchMax {
			l.flush(ctx, &pending)
		}
	}
}

func (l *Loop) flush(ctx context.Context, pending *[]Pair) {
	if len(*pending) == 0 {
		return
	}
	batch := make([]Pair, len(*pending))
	copy(batch, *pending)
	*pending = (*pending)[:0]

	res, err := l.submitter.Submit(ctx, l.moduleID, l.functionName, batch)
	if err != nil {
		return
	}
	if !res.Improved && res.HasStale {
		l.local.Insert(res.StaleValue)
	}
}
