package fuzz

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func TestStatsEmitsRows(t *testing.T) {
	var log bytes.Buffer
	stats := NewStats(slog.New(slog.NewTextHandler(&log, nil)), 2)

	it := IterationStats{
		Total:      3 * time.Millisecond,
		Guest:      2 * time.Millisecond,
		VMExits:    7,
		DirtyPages: 4,
	}
	if n := stats.RecordIteration(it); n != 1 {
		t.Fatalf("first iteration numbered %d", n)
	}
	if n := stats.RecordIteration(it); n != 2 {
		t.Fatalf("second iteration numbered %d", n)
	}

	out := log.String()
	if !bytes.Contains(log.Bytes(), []byte("time, iteration, dirty_pages, new_bb, total_ticks, guest_ticks, vmexits")) {
		t.Fatalf("header row missing: %s", out)
	}
	if stats.Iterations() != 2 {
		t.Fatalf("Iterations = %d, want 2", stats.Iterations())
	}
}

func TestStatsRowOnNewCoverage(t *testing.T) {
	var log bytes.Buffer
	stats := NewStats(slog.New(slog.NewTextHandler(&log, nil)), 1000)

	stats.RecordIteration(IterationStats{Total: time.Millisecond})
	before := log.Len()
	stats.RecordIteration(IterationStats{Total: time.Millisecond, NewBlocks: 3})
	if log.Len() == before {
		t.Fatalf("new coverage did not force a stats row")
	}
}
