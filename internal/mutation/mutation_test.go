package mutation

import (
	"bytes"
	"testing"
)

func newBitFlip(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(StrategyBitFlip, 1, 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestBitFlipSequence(t *testing.T) {
	e := newBitFlip(t)
	e.SetInput("seed", []byte{0x00})

	if !e.Advance() {
		t.Fatalf("Advance exhausted on the first iteration")
	}
	if got := e.Buffer(); !bytes.Equal(got, []byte{0x01}) {
		t.Fatalf("iteration 1 buffer = %#x, want 0x01 (bit 0 flipped)", got)
	}
	if !e.Advance() {
		t.Fatalf("Advance exhausted on the second iteration")
	}
	if got := e.Buffer(); !bytes.Equal(got, []byte{0x02}) {
		t.Fatalf("iteration 2 buffer = %#x, want 0x02 (bit 1 flipped, bit 0 restored)", got)
	}
}

func TestBitFlipExactlyOneBitDiffers(t *testing.T) {
	base := []byte{0xa5, 0x00, 0xff, 0x17}
	e := newBitFlip(t)
	e.SetInput("seed", base)

	for i := 0; i < len(base)*8; i++ {
		if !e.Advance() {
			t.Fatalf("Advance exhausted after %d iterations", i)
		}
		diff := 0
		for j, b := range e.Buffer() {
			for bit := 0; bit < 8; bit++ {
				if (b^base[j])>>bit&1 == 1 {
					diff++
				}
			}
		}
		if diff != 1 {
			t.Fatalf("iteration %d: %d bits differ from the base, want exactly 1", i+1, diff)
		}
	}
}

func TestBitFlipRoundTrip(t *testing.T) {
	base := []byte{0xde, 0xad}
	e := newBitFlip(t)
	e.SetInput("seed", base)

	for i := 0; i < len(base)*8; i++ {
		if !e.Advance() {
			t.Fatalf("exhausted early at iteration %d", i)
		}
	}
	// The wrap restores the last flip and reports exhaustion.
	if e.Advance() {
		t.Fatalf("Advance did not report exhaustion after %d iterations", len(base)*8)
	}
	if !bytes.Equal(e.Buffer(), base) {
		t.Fatalf("buffer after full cycle = %#x, want the base %#x", e.Buffer(), base)
	}
}

func TestRandomByteKeepsLengthAndRestores(t *testing.T) {
	base := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e, err := NewEngine(StrategyRandomByte, 42, 100)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.SetInput("seed", base)

	for i := 0; i < 100; i++ {
		if !e.Advance() {
			t.Fatalf("exhausted early at iteration %d", i)
		}
		if len(e.Buffer()) != len(base) {
			t.Fatalf("length changed to %d", len(e.Buffer()))
		}
		diff := 0
		for j := range base {
			if e.Buffer()[j] != base[j] {
				diff++
			}
		}
		if diff > 1 {
			t.Fatalf("iteration %d: %d bytes differ, want at most 1", i, diff)
		}
	}
	if e.Advance() {
		t.Fatalf("Advance did not honour the per-input iteration bound")
	}
	if !bytes.Equal(e.Buffer(), base) {
		t.Fatalf("buffer after exhaustion = %#x, want the base", e.Buffer())
	}
}

func TestEmptyInput(t *testing.T) {
	e := newBitFlip(t)
	e.SetInput("empty", nil)
	if e.Advance() {
		t.Fatalf("Advance succeeded on an empty input")
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := NewEngine("nope", 0, 0); err == nil {
		t.Fatalf("NewEngine accepted an unknown strategy")
	}
}

func TestMutantID(t *testing.T) {
	e := newBitFlip(t)
	e.SetInput("crash.bin", []byte{0})
	e.Advance()
	if got := e.MutantID(); got != "crash.bin_1" {
		t.Fatalf("MutantID = %q, want crash.bin_1", got)
	}
}
