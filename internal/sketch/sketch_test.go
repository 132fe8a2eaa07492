package sketch

import (
	"math"
	"math/rand"
	"testing"
)

func TestEmptySketchEstimateIsZero(t *testing.T) {
	s, err := New(12)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e := s.Estimate(); e != 0 {
		t.Fatalf("expected 0 for empty sketch, got %v", e)
	}
}

func TestInsertTieBreakIdempotent(t *testing.T) {
	s, _ := New(12)
	hash := uint64(0x1000) // register 0
	if improved := s.Insert(hash); !improved {
		t.Fatalf("first insert should improve")
	}
	if improved := s.Insert(hash); improved {
		t.Fatalf("resubmitting identical hash must not improve (idempotency, spec §8)")
	}
}

func TestInsertStrictDecreaseOnly(t *testing.T) {
	s, _ := New(12)
	lower := uint64(0x1000)
	higher := uint64(0x2000) // same register (bits=12 -> mask 0xFFF)
	if registerOf(lower, 12) != registerOf(higher, 12) {
		t.Fatalf("test fixture error: expected same register")
	}
	if !s.Insert(lower) {
		t.Fatalf("expected improvement")
	}
	if s.Insert(higher) {
		t.Fatalf("higher hash must not improve a lower stored value")
	}
	cur, ok := s.Peek(higher)
	if !ok || cur != lower {
		t.Fatalf("register should remain at the lower value, got %d", cur)
	}
}

func TestRegisterInvariant(t *testing.T) {
	s, _ := New(8)
	for i := 0; i < 1000; i++ {
		h := rand.Uint64()
		s.Insert(h)
	}
	for i, v := range s.ToDense() {
		if v == empty64 {
			continue
		}
		if registerOf(v, 8) != uint64(i) {
			t.Fatalf("register invariant violated at %d: hash %d maps to register %d", i, v, registerOf(v, 8))
		}
	}
}

func TestHashMaxNeverImproves(t *testing.T) {
	s, _ := New(10)
	if s.Insert(^uint64(0)) {
		t.Fatalf("u64::MAX must not improve even an empty register")
	}
	if s.Insert(^uint64(0)) {
		t.Fatalf("u64::MAX must never improve an already-set register")
	}
}

func TestBoundaryBits(t *testing.T) {
	for _, b := range []uint8{MinBits, MaxBits} {
		s, err := New(b)
		if err != nil {
			t.Fatalf("bits=%d should be valid: %v", b, err)
		}
		if s.Estimate() != 0 {
			t.Fatalf("fresh sketch should estimate 0")
		}
	}
	if _, err := New(MinBits - 1); err == nil {
		t.Fatalf("bits below minimum must be rejected")
	}
	if _, err := New(MaxBits + 1); err == nil {
		t.Fatalf("bits above maximum must be rejected")
	}
}

func TestAllRegistersFilledWithZeroHash(t *testing.T) {
	bitsN := uint8(6)
	s, _ := New(bitsN)
	r := s.Registers()
	for reg := uint64(0); reg < r; reg++ {
		// hash == reg: low bits select the register, upper bits are 0 -> rho=64.
		s.Insert(reg)
	}
	e := s.Estimate()
	if math.IsNaN(e) || math.IsInf(e, 0) {
		t.Fatalf("expected finite estimate, got %v", e)
	}
	if e <= 0 {
		t.Fatalf("expected a large positive estimate, got %v", e)
	}
}

func TestMergeBitsMismatch(t *testing.T) {
	a, _ := New(10)
	b, _ := New(12)
	if err := a.Merge(b); err == nil {
		t.Fatalf("merging sketches of different bits must error")
	}
}

func TestMergeIsPointwiseMin(t *testing.T) {
	a, _ := New(8)
	b, _ := New(8)
	a.Insert(0x05)
	b.Insert(0x1005) // same register (mod 256 == 5), larger hash
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge: %v", err)
	}
	cur, ok := a.Peek(0x05)
	if !ok || cur != 0x05 {
		t.Fatalf("merge should keep the smaller hash, got %d", cur)
	}
}

func TestRoundTripSparse(t *testing.T) {
	s, _ := New(10)
	for i := 0; i < 500; i++ {
		s.Insert(rand.Uint64())
	}
	pairs := s.ToSparse()
	restored, err := FromSparse(10, pairs)
	if err != nil {
		t.Fatalf("FromSparse: %v", err)
	}
	if !s.Equal(restored) {
		t.Fatalf("sparse round-trip mismatch")
	}
	if s.Estimate() != restored.Estimate() {
		t.Fatalf("estimate mismatch after sparse round-trip")
	}
}

func TestRoundTripDenseLargeSketch(t *testing.T) {
	bitsN := uint8(16)
	s, _ := New(bitsN)
	regs := s.Registers()
	for r := uint64(0); r < regs; r++ {
		// build a valid hash for this register: low bits = r, random upper bits
		h := (rand.Uint64() &^ (regs - 1)) | r
		s.Insert(h)
	}
	dense := s.ToDense()
	restored, err := FromDense(bitsN, dense)
	if err != nil {
		t.Fatalf("FromDense: %v", err)
	}
	if !s.Equal(restored) {
		t.Fatalf("dense round-trip mismatch")
	}
	if s.Estimate() != restored.Estimate() {
		t.Fatalf("estimate mismatch after dense round-trip")
	}
}

func TestEstimateMonotonicAfterAcceptedSubmission(t *testing.T) {
	s, _ := New(12)
	before := s.Estimate()
	// register 0; the upper word is 1, so rho = 12 + 63 = 75
	s.Insert(0x0000_0000_0000_1000)
	after := s.Estimate()
	if after < before {
		t.Fatalf("estimate must not decrease after an accepted improvement: before=%v after=%v", before, after)
	}
	// one of 4096 registers set: the small-range correction applies and
	// the estimate is R*ln(R/(R-1)).
	want := 4096 * math.Log(4096.0/4095.0)
	if math.Abs(after-want) > 1e-9 {
		t.Fatalf("expected small-range estimate %v with one of 4096 registers set, got %v", want, after)
	}
}

func TestImprovingThenWorseningSubmission(t *testing.T) {
	s, _ := New(12)
	if !s.Insert(0x0000_0000_0000_1000) {
		t.Fatalf("expected improvement")
	}
	if s.Insert(0x0000_0000_0000_2000) {
		t.Fatalf("higher hash on same register must not improve")
	}
}

func TestFromSparseRejectsRegisterInvariantViolation(t *testing.T) {
	_, err := FromSparse(8, []Pair{{Register: 3, Hash: 4}})
	if err == nil {
		t.Fatalf("expected rejection: hash 4 mod 256 != register 3")
	}
}
