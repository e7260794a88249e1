package coverage

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
	"github.com/tinyrange/snapfuzz/internal/snapshot/snaptest"
)

func newTracker(t *testing.T, records string, sink io.Writer) *Tracker {
	t.Helper()
	frames := map[uint64][]byte{
		0: make([]byte, hv.PageSize),
		1: bytes.Repeat([]byte{0x48}, hv.PageSize),
	}
	snap, err := snapshot.New(snaptest.Image{Frames: frames}.Build())
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	table, err := patch.New([]byte(records))
	if err != nil {
		t.Fatalf("patch.New: %v", err)
	}
	if sink == nil {
		sink = io.Discard
	}
	return NewTracker(snap, table, slog.New(slog.NewTextHandler(sink, nil)))
}

func TestOnBreakpoint(t *testing.T) {
	var log bytes.Buffer
	tracker := newTracker(t, `{"entries": [{"address": 4112, "bytes": [204]}]}`, &log)

	action, original, novel := tracker.OnBreakpoint(0x1010)
	if action != ActionRemovedPatch {
		t.Fatalf("action = %v, want ActionRemovedPatch", action)
	}
	if original != 0x48 {
		t.Fatalf("original byte = %#x, want the pre-patch snapshot byte 0x48", original)
	}
	if !novel {
		t.Fatalf("first hit not reported novel")
	}
	if !bytes.Contains(log.Bytes(), []byte("COVERAGE: 0x1010")) {
		t.Fatalf("coverage record not emitted: %s", log.String())
	}
	if tracker.Size() != 1 {
		t.Fatalf("Size = %d, want 1", tracker.Size())
	}

	// A second VM hitting the same site is not novel; the set only
	// grows.
	action, _, novel = tracker.OnBreakpoint(0x1010)
	if action != ActionRemovedPatch || novel {
		t.Fatalf("second hit: action = %v novel = %v, want RemovedPatch/false", action, novel)
	}
	if tracker.Size() != 1 {
		t.Fatalf("Size after duplicate = %d, want 1", tracker.Size())
	}
}

func TestOnBreakpointNotOurs(t *testing.T) {
	tracker := newTracker(t, `{"entries": [{"address": 4112, "bytes": [15, 11]}]}`, nil)

	// An end-marker address is not a coverage breakpoint.
	if action, _, _ := tracker.OnBreakpoint(0x1010); action != ActionNotOurs {
		t.Fatalf("end marker treated as coverage patch")
	}
	// Nor is an unpatched address.
	if action, _, _ := tracker.OnBreakpoint(0x1020); action != ActionNotOurs {
		t.Fatalf("unpatched address treated as coverage patch")
	}
	if tracker.Size() != 0 {
		t.Fatalf("coverage set grew on NotOurs")
	}
}

func TestRecord(t *testing.T) {
	var log bytes.Buffer
	tracker := newTracker(t, `{"entries": []}`, &log)

	tracker.Record(Report{
		VM:      2,
		InputID: "seed.bin",
		Cursor:  17,
		Cause:   CauseInvalidInstruction,
		GPA:     0x1000,
		RIP:     0x1000,
	})
	tracker.Record(Report{VM: 2, Cause: CauseHangDetected})

	reports := tracker.Reports()
	if len(reports) != 2 {
		t.Fatalf("Reports = %d records, want 2", len(reports))
	}
	if reports[0].Cause != CauseInvalidInstruction || reports[1].Cause != CauseHangDetected {
		t.Fatalf("report order not preserved: %+v", reports)
	}
	if !bytes.Contains(log.Bytes(), []byte("invalid instruction")) {
		t.Fatalf("bug record not logged: %s", log.String())
	}
}

func TestCauseBug(t *testing.T) {
	if CauseHangDetected.Bug() || CauseDirtyPoolExhausted.Bug() {
		t.Fatalf("capacity and time limits must not classify as bugs")
	}
	if !CauseInvalidInstruction.Bug() || !CauseUnmappedGuestMemory.Bug() {
		t.Fatalf("fault causes must classify as bugs")
	}
}
