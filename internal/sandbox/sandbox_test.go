package sandbox

import "testing"

func TestValidateHeaderAccepts(t *testing.T) {
	blob := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0xde, 0xad}
	if err := ValidateHeader(blob); err != nil {
		t.Fatalf("expected valid header, got %v", err)
	}
}

func TestValidateHeaderRejectsBadMagic(t *testing.T) {
	blob := []byte{0x01, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	if err := ValidateHeader(blob); err == nil {
		t.Fatalf("expected rejection for bad magic")
	}
}

func TestValidateHeaderRejectsBadVersion(t *testing.T) {
	blob := []byte{0x00, 'a', 's', 'm', 0x02, 0x00, 0x00, 0x00}
	if err := ValidateHeader(blob); err == nil {
		t.Fatalf("expected rejection for unsupported version")
	}
}

func TestValidateHeaderRejectsTruncated(t *testing.T) {
	if err := ValidateHeader([]byte{0x00, 'a', 's'}); err == nil {
		t.Fatalf("expected rejection for truncated blob")
	}
}

func TestAsU64Conversions(t *testing.T) {
	if v, ok := asU64(int64(42)); !ok || v != 42 {
		t.Fatalf("int64 conversion failed: v=%d ok=%v", v, ok)
	}
	if v, ok := asU64(int32(-1)); !ok || v != 0xFFFFFFFF {
		t.Fatalf("int32 conversion failed: v=%d ok=%v", v, ok)
	}
	if _, ok := asU64("not a number"); ok {
		t.Fatalf("expected conversion to fail for unsupported type")
	}
}
