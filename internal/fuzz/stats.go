package fuzz

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
)

// IterationStats describes one completed fuzzing iteration.
type IterationStats struct {
	Total      time.Duration
	Guest      time.Duration
	VMExits    uint64
	DirtyPages int
	NewBlocks  int
	Hang       bool
}

// Stats aggregates iteration statistics across the whole fleet and
// periodically emits a CSV-shaped row:
//
//	time, iteration, dirty_pages, new_bb, total_ticks, guest_ticks, vmexits
type Stats struct {
	logger   *slog.Logger
	interval uint64

	mu         sync.Mutex
	headerDone bool
	iterations uint64
	vmexits    uint64
	hangs      uint64
	newBlocks  uint64
	hist       *gohistogram.NumericHistogram
}

// NewStats builds an aggregator emitting one row per interval
// iterations (and whenever an iteration found new coverage).
func NewStats(logger *slog.Logger, interval uint64) *Stats {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stats{
		logger:   logger,
		interval: interval,
		hist:     gohistogram.NewHistogram(80),
	}
}

// RecordIteration folds one iteration in and returns the global
// iteration number it became.
func (s *Stats) RecordIteration(it IterationStats) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.iterations++
	s.vmexits += it.VMExits
	s.newBlocks += uint64(it.NewBlocks)
	if it.Hang {
		s.hangs++
	}
	s.hist.Add(float64(it.Total.Nanoseconds()))

	n := s.iterations
	if !s.headerDone {
		s.headerDone = true
		s.logger.Info("time, iteration, dirty_pages, new_bb, total_ticks, guest_ticks, vmexits")
	}
	if it.NewBlocks > 0 || n%s.interval == 0 {
		s.logger.Info(fmt.Sprintf("%s, %8d, %11d, %7d, %9d, %9d, %8d",
			time.Now().Format("15:04:05"),
			n,
			it.DirtyPages,
			it.NewBlocks,
			it.Total.Nanoseconds(),
			it.Guest.Nanoseconds(),
			it.VMExits))
	}
	if n%(s.interval*10) == 0 {
		s.logger.Info("iteration latency",
			"median", time.Duration(s.hist.Quantile(0.5)),
			"p90", time.Duration(s.hist.Quantile(0.9)),
			"mean", time.Duration(s.hist.Mean()),
			"hangs", s.hangs,
			"new_bb_total", s.newBlocks)
	}
	return n
}

// Iterations returns the global iteration count.
func (s *Stats) Iterations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}
