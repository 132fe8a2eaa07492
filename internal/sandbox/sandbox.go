// Package sandbox wraps wasmer-go into the deterministic, no-host-import
// evaluator the submission controller (C5) uses to re-execute a worker's
// claimed (seed, hash) pair. The shape — compile once, instantiate fresh
// per call under a deadline, translate engine failures into the error
// taxonomy — mirrors
// services/signature-engine/scanner/yara_wrapper.go's ScanBytes(data,
// timeoutSec): load the engine once, scan under a timeout, wrap
// engine-specific errors at the boundary.
package sandbox

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
)

// wasmMagic and wasmVersion are the only two header fields the ingest
// controller checks before a module is ever compiled.
var wasmMagic = [4]byte{0x00, 'a', 's', 'm'}

const wasmVersion = uint32(1)

// ValidateHeader rejects a blob that isn't a well-formed WebAssembly
// binary header, before any compilation is attempted.
func ValidateHeader(blob []byte) error {
	if len(blob) < 8 {
		return bayeserr.New(bayeserr.KindMalformedRequest, "blob too small to contain a wasm header")
	}
	var magic [4]byte
	copy(magic[:], blob[:4])
	if magic != wasmMagic {
		return bayeserr.New(bayeserr.KindMalformedRequest, "bad wasm magic number")
	}
	if binary.LittleEndian.Uint32(blob[4:8]) != wasmVersion {
		return bayeserr.New(bayeserr.KindMalformedRequest, "unsupported wasm version")
	}
	return nil
}

// meteringCost charges one point per metered operator. The instruction
// count this yields isn't wall-clock time, only an upper bound on how much
// work one call can do before it traps — deliberately coarse, same as
// treating every opcode equally expensive.
func meteringCost(wasmer.Operator) uint64 { return 1 }

type compiledModule struct {
	store    *wasmer.Store
	module   *wasmer.Module
	metering *wasmer.Metering
}

// Evaluator compiles a module once per content digest and instantiates a
// fresh instance for every call, so no state or host capability ever
// survives across untrusted invocations.
type Evaluator struct {
	mu       sync.RWMutex
	cache    map[[32]byte]*compiledModule
	maxFuel  uint64
	deadline time.Duration
}

// New returns an Evaluator enforcing maxFuel instructions and deadline
// wall-clock time per call.
func New(maxFuel uint64, deadline time.Duration) *Evaluator {
	return &Evaluator{cache: make(map[[32]byte]*compiledModule), maxFuel: maxFuel, deadline: deadline}
}

func (e *Evaluator) compile(digest [32]byte, blob []byte) (*compiledModule, error) {
	e.mu.RLock()
	if c, ok := e.cache[digest]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	// The metering middleware is baked into the engine at compile time;
	// the per-call budget itself is reset on the instance before every
	// invocation (see Invoke), so concurrent calls against the same
	// cached module each get the full maxFuel independently.
	metering := wasmer.NewMetering(e.maxFuel, meteringCost)
	config := wasmer.NewConfig().PushMeteringMiddleware(metering)
	engine := wasmer.NewEngineWithConfig(config)
	st := wasmer.NewStore(engine)
	mod, err := wasmer.NewModule(st, blob)
	if err != nil {
		return nil, bayeserr.Wrap(bayeserr.KindInvalidFunction, "module failed to compile", err)
	}
	c := &compiledModule{store: st, module: mod, metering: metering}

	e.mu.Lock()
	e.cache[digest] = c
	e.mu.Unlock()
	return c, nil
}

// instanceHolder lets the timeout branch of Invoke reach into the running
// goroutine and close its instance without racing the goroutine's own
// deferred close — wasmer's native handles aren't safe to close twice.
type instanceHolder struct {
	mu   sync.Mutex
	once sync.Once
	inst *wasmer.Instance
}

func (h *instanceHolder) set(inst *wasmer.Instance) {
	h.mu.Lock()
	h.inst = inst
	h.mu.Unlock()
}

func (h *instanceHolder) close() {
	h.mu.Lock()
	inst := h.inst
	h.mu.Unlock()
	if inst == nil {
		return
	}
	h.once.Do(inst.Close)
}

// Invoke calls exportedName(seed) inside digest's module under ctx's
// deadline (capped at the evaluator's configured deadline) and with no
// host imports granted; a module requiring imports fails instantiation.
// Timeout and trap both classify as invalid-function; the caller
// distinguishes a forged hash itself by comparing the returned value.
func (e *Evaluator) Invoke(ctx context.Context, digest [32]byte, blob []byte, exportedName string, seed uint64) (uint64, error) {
	c, err := e.compile(digest, blob)
	if err != nil {
		return 0, err
	}

	deadline := e.deadline
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < deadline {
			deadline = remaining
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type callResult struct {
		val uint64
		err error
	}
	done := make(chan callResult, 1)
	holder := &instanceHolder{}

	go func() {
		importObject := wasmer.NewImportObject()
		instance, err := wasmer.NewInstance(c.module, importObject)
		if err != nil {
			done <- callResult{0, bayeserr.Wrap(bayeserr.KindInvalidFunction, "module requires host imports", err)}
			return
		}
		holder.set(instance)
		defer holder.close()

		c.metering.SetRemainingPoints(instance, e.maxFuel)

		fn, err := instance.Exports.GetFunction(exportedName)
		if err != nil {
			done <- callResult{0, bayeserr.Wrap(bayeserr.KindInvalidFunction, "exported function not found", err)}
			return
		}
		out, err := fn(int64(seed))
		if err != nil {
			if wasmer.MeteringPointsExhausted(instance) {
				done <- callResult{0, bayeserr.New(bayeserr.KindInvalidFunction, "sandbox evaluation exceeded fuel budget")}
				return
			}
			done <- callResult{0, bayeserr.Wrap(bayeserr.KindInvalidFunction, "trap during evaluation", err)}
			return
		}
		v, ok := asU64(out)
		if !ok {
			done <- callResult{0, bayeserr.New(bayeserr.KindInvalidFunction, "function did not return a u64-compatible value")}
			return
		}
		done <- callResult{v, nil}
	}()

	select {
	case <-callCtx.Done():
		// The fuel budget stops most infinite loops from ever reaching
		// this branch, but a call that's host-call-heavy rather than
		// opcode-heavy can still outlast the deadline. Closing the
		// instance here is a best-effort interrupt: it frees the
		// underlying Wasmer handles so the blocked goroutine above
		// unblocks (or traps) instead of running forever. The cached
		// compiledModule's store and module are untouched — only this
		// call's own instance is closed.
		holder.close()
		return 0, bayeserr.New(bayeserr.KindInvalidFunction, "sandbox evaluation timed out")
	case r := <-done:
		return r.val, r.err
	}
}

func asU64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		return uint64(n), true
	case int32:
		return uint64(uint32(n)), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}
