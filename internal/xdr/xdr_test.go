package xdr

import (
	"bytes"
	"testing"
)

func TestUint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF} {
		var buf bytes.Buffer
		if err := PutUint32(&buf, v); err != nil {
			t.Fatalf("PutUint32(%d): %v", v, err)
		}
		got, err := Uint32(&buf)
		if err != nil {
			t.Fatalf("Uint32: %v", err)
		}
		if got != v {
			t.Errorf("round trip = %d, want %d", got, v)
		}
	}
}

func TestOpaquePadding(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		encoded int
	}{
		{"empty", nil, 4},
		{"one byte pads to four", []byte{0xAA}, 8},
		{"four bytes no pad", []byte{1, 2, 3, 4}, 8},
		{"five bytes pads to eight", []byte{1, 2, 3, 4, 5}, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := PutOpaque(&buf, tt.data); err != nil {
				t.Fatalf("PutOpaque: %v", err)
			}
			if buf.Len() != tt.encoded {
				t.Errorf("encoded length = %d, want %d", buf.Len(), tt.encoded)
			}

			got, err := Opaque(&buf, 0)
			if err != nil {
				t.Fatalf("Opaque: %v", err)
			}
			if !bytes.Equal(got, tt.data) && len(tt.data) > 0 {
				t.Errorf("round trip = %x, want %x", got, tt.data)
			}
		})
	}
}

func TestOpaqueLimit(t *testing.T) {
	var buf bytes.Buffer
	_ = PutOpaque(&buf, make([]byte, 500))

	if _, err := Opaque(&buf, 400); err == nil {
		t.Fatal("expected limit violation")
	}
}

// A string whose length plus pad lands exactly at the input's end must
// decode; one byte short must be a truncation error.
func TestStringExactBoundary(t *testing.T) {
	var buf bytes.Buffer
	_ = PutString(&buf, "hello")
	encoded := buf.Bytes()

	s, err := String(bytes.NewReader(encoded), 255)
	if err != nil {
		t.Fatalf("exact boundary: %v", err)
	}
	if s != "hello" {
		t.Errorf("decoded %q, want %q", s, "hello")
	}

	if _, err := String(bytes.NewReader(encoded[:len(encoded)-1]), 255); err == nil {
		t.Fatal("expected truncation error one byte short")
	}
}

func TestBool(t *testing.T) {
	var buf bytes.Buffer
	_ = PutBool(&buf, true)
	_ = PutBool(&buf, false)

	v, err := Bool(&buf)
	if err != nil || !v {
		t.Fatalf("Bool = %v, %v; want true, nil", v, err)
	}
	v, err = Bool(&buf)
	if err != nil || v {
		t.Fatalf("Bool = %v, %v; want false, nil", v, err)
	}
}

func TestTruncatedInput(t *testing.T) {
	if _, err := Uint64(bytes.NewReader([]byte{1, 2, 3})); err != ErrTruncated {
		t.Errorf("Uint64 short = %v, want ErrTruncated", err)
	}
	if _, err := FixedOpaque(bytes.NewReader([]byte{1}), 8); err != ErrTruncated {
		t.Errorf("FixedOpaque short = %v, want ErrTruncated", err)
	}
}

func TestPad(t *testing.T) {
	for in, want := range map[int]int{0: 0, 1: 4, 3: 4, 4: 4, 5: 8} {
		if got := Pad(in); got != want {
			t.Errorf("Pad(%d) = %d, want %d", in, got, want)
		}
	}
}
