package mls

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func testPPRF(t *testing.T) *PPRF {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, X25519_CHACHA20POLY1305_SHA256_Ed25519.HashLength())
	return NewPPRF(X25519_CHACHA20POLY1305_SHA256_Ed25519, seed)
}

func TestPPRFEvalDeterministic(t *testing.T) {
	p := testPPRF(t)
	a, err := p.Eval(7)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, err := p.Eval(7)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("Eval not deterministic")
	}
	c, _ := p.Eval(8)
	if bytes.Equal(a, c) {
		t.Fatal("distinct points gave the same output")
	}
}

func TestPPRFPuncture(t *testing.T) {
	p := testPPRF(t)
	points := []uint32{0, 1, 0x80000000, 0xffffffff, 0x1234abcd}

	want := make(map[uint32][]byte)
	for _, x := range points {
		v, err := p.Eval(x)
		if err != nil {
			t.Fatalf("Eval(%x): %v", x, err)
		}
		want[x] = v
	}

	punctured, err := p.Puncture(0x1234abcd)
	if err != nil {
		t.Fatalf("Puncture: %v", err)
	}
	if _, err := punctured.Eval(0x1234abcd); !errors.Is(err, ErrInitSecretPunctured) {
		t.Fatalf("Eval punctured point: got %v, want ErrInitSecretPunctured", err)
	}
	if !punctured.Punctured(0x1234abcd) {
		t.Fatal("Punctured reports false")
	}
	if _, err := punctured.Puncture(0x1234abcd); !errors.Is(err, ErrInitSecretPunctured) {
		t.Fatalf("double Puncture: got %v", err)
	}

	for _, x := range points[:4] {
		v, err := punctured.Eval(x)
		if err != nil {
			t.Fatalf("Eval(%x) after puncture: %v", x, err)
		}
		if !bytes.Equal(v, want[x]) {
			t.Fatalf("Eval(%x) changed after puncture", x)
		}
	}

	// The original is untouched.
	if _, err := p.Eval(0x1234abcd); err != nil {
		t.Fatalf("original lost point: %v", err)
	}
	if punctured.Size() != pprfDepth {
		t.Fatalf("Size = %d, want %d", punctured.Size(), pprfDepth)
	}
}

func TestPPRFRepeatedPuncture(t *testing.T) {
	p := testPPRF(t)
	v5, _ := p.Eval(5)

	var err error
	for _, x := range []uint32{1, 2, 3, 4, 6, 0xdeadbeef} {
		if p, err = p.Puncture(x); err != nil {
			t.Fatalf("Puncture(%x): %v", x, err)
		}
	}
	got, err := p.Eval(5)
	if err != nil {
		t.Fatalf("Eval(5): %v", err)
	}
	if !bytes.Equal(got, v5) {
		t.Fatal("Eval(5) changed")
	}
	for _, x := range []uint32{1, 2, 3, 4, 6, 0xdeadbeef} {
		if !p.Punctured(x) {
			t.Fatalf("point %x not punctured", x)
		}
	}
}

func TestPPRFJSON(t *testing.T) {
	p, err := testPPRF(t).Puncture(99)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got PPRF
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(p) {
		t.Fatal("round trip changed the PPRF")
	}
	if !got.Punctured(99) {
		t.Fatal("puncture lost in round trip")
	}
}

func TestPPRFUnmarshalRejectsBadSeed(t *testing.T) {
	data := []byte(`{"suite":3,"nodes":[{"prefix":0,"depth":0,"seed":"AAAA"}]}`)
	var p PPRF
	if err := json.Unmarshal(data, &p); err == nil {
		t.Fatal("expected error for short seed")
	}
}
