// Package mutation transforms one input buffer per iteration. The
// default sequential bit-flip strategy is fully reproducible: the
// working buffer differs from its base by exactly one bit at any
// moment, walking every bit position in order. The random strategy
// overwrites a single byte per iteration. Neither strategy ever
// changes the buffer length.
package mutation

import (
	"fmt"
	"math/rand/v2"
)

// Strategy names a mutation strategy.
type Strategy string

const (
	StrategyBitFlip    Strategy = "bitflip"
	StrategyRandomByte Strategy = "random"
)

// Engine mutates a private copy of the currently assigned corpus
// input. Owned by exactly one VM.
type Engine struct {
	strategy Strategy
	rng      *rand.Rand

	id     string
	base   []byte
	work   []byte
	cursor uint64

	// maxIterations bounds the random strategy per input; the
	// bit-flip strategy is bounded by the bit count of the input.
	maxIterations uint64

	// restore undoes the previous mutation before the next applies.
	prevOffset int
	prevByte   byte
	hasPrev    bool
}

// NewEngine creates an engine for one VM. seed only influences the
// random strategy.
func NewEngine(strategy Strategy, seed uint64, maxIterations uint64) (*Engine, error) {
	switch strategy {
	case StrategyBitFlip, StrategyRandomByte:
	default:
		return nil, fmt.Errorf("mutation: unknown strategy %q", strategy)
	}
	return &Engine{
		strategy:      strategy,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxIterations: maxIterations,
	}, nil
}

// SetInput assigns a new base input and resets the cursor. The working
// buffer starts as an exact copy of the base.
func (e *Engine) SetInput(id string, data []byte) {
	e.id = id
	e.base = data
	e.work = append(e.work[:0], data...)
	e.cursor = 0
	e.hasPrev = false
}

// Advance restores the previous mutation and applies the next one. It
// reports false when the current input is exhausted; the working
// buffer then equals the base again and a new input must be assigned.
func (e *Engine) Advance() bool {
	e.restorePrev()
	if len(e.base) == 0 || e.cursor >= e.limit() {
		return false
	}
	switch e.strategy {
	case StrategyBitFlip:
		bit := e.cursor % (uint64(len(e.work)) * 8)
		e.prevOffset = int(bit / 8)
		e.prevByte = e.work[e.prevOffset]
		e.hasPrev = true
		e.work[e.prevOffset] ^= 1 << (bit % 8)
	case StrategyRandomByte:
		e.prevOffset = e.rng.IntN(len(e.work))
		e.prevByte = e.work[e.prevOffset]
		e.hasPrev = true
		e.work[e.prevOffset] = byte(e.rng.UintN(256))
	}
	e.cursor++
	return true
}

func (e *Engine) restorePrev() {
	if e.hasPrev {
		e.work[e.prevOffset] = e.prevByte
		e.hasPrev = false
	}
}

func (e *Engine) limit() uint64 {
	if e.strategy == StrategyBitFlip {
		return uint64(len(e.base)) * 8
	}
	return e.maxIterations
}

// Buffer returns the working buffer. Callers must treat it as
// read-only; it is reused across iterations.
func (e *Engine) Buffer() []byte {
	return e.work
}

// ID returns the id of the assigned base input.
func (e *Engine) ID() string {
	return e.id
}

// MutantID names the current mutant for corpus submission.
func (e *Engine) MutantID() string {
	return fmt.Sprintf("%s_%d", e.id, e.cursor)
}

// Cursor returns the mutation cursor: how many mutations of the
// current input have been produced.
func (e *Engine) Cursor() uint64 {
	return e.cursor
}

// Describe renders the current mutation for warning records, naming
// the bit position for the reproducible strategy.
func (e *Engine) Describe() string {
	if e.strategy == StrategyBitFlip && e.cursor > 0 {
		k := e.cursor - 1
		return fmt.Sprintf("%s #%d (bit %d of byte %d)", e.id, e.cursor, k%8, k/8)
	}
	return fmt.Sprintf("%s #%d", e.id, e.cursor)
}
