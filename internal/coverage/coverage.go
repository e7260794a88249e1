// Package coverage tracks which basic blocks any guest has executed
// and records the warnings the fuzzing loop raises when an iteration
// aborts. Both live behind one mutex so coverage lines and warning
// records interleave deterministically in the log.
package coverage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
)

// Action tells the caller how to treat a guest breakpoint.
type Action int

const (
	// ActionNotOurs: the guest executed a breakpoint the patch table
	// did not plant. A bug indicator.
	ActionNotOurs Action = iota

	// ActionRemovedPatch: the breakpoint was a coverage patch; the
	// caller must restore the original byte in the frame currently
	// mapped to its guest and resume.
	ActionRemovedPatch
)

// Tracker is the process-wide coverage set.
type Tracker struct {
	snap    *snapshot.Store
	patches *patch.Table
	logger  *slog.Logger

	mu      sync.Mutex
	covered map[uint64]struct{}
	reports []Report
}

// NewTracker builds an empty tracker over the loaded snapshot and
// patch table.
func NewTracker(snap *snapshot.Store, patches *patch.Table, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		snap:    snap,
		patches: patches,
		logger:  logger,
		covered: make(map[uint64]struct{}),
	}
}

// OnBreakpoint resolves a #BP at gpa. For a planted coverage patch it
// returns ActionRemovedPatch with the pre-patch byte to restore, and
// whether this GPA was covered for the first time anywhere; the first
// VM to insert a GPA is the one credited with the novelty.
func (t *Tracker) OnBreakpoint(gpa uint64) (Action, byte, bool) {
	if t.patches.KindAt(gpa) != patch.KindBreakpoint {
		return ActionNotOurs, 0, false
	}

	// The original byte comes from the raw snapshot: the patch table
	// only ever replaced it in overlay copies of the frame.
	frame, ok := t.snap.Frame(gpa >> hv.PageShift)
	if !ok {
		return ActionNotOurs, 0, false
	}
	original := frame[gpa&(hv.PageSize-1)]

	t.mu.Lock()
	defer t.mu.Unlock()
	_, seen := t.covered[gpa]
	if !seen {
		t.covered[gpa] = struct{}{}
		t.logger.Info(fmt.Sprintf("COVERAGE: %#x", gpa))
	}
	return ActionRemovedPatch, original, !seen
}

// Size returns how many distinct basic blocks have been executed.
// Monotonically non-decreasing.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.covered)
}

// Cause classifies why an iteration aborted.
type Cause string

const (
	CauseUnmappedGuestMemory  Cause = "unmapped guest memory"
	CauseNullPageAccess       Cause = "null page access"
	CauseNegativePageAccess   Cause = "negative page access"
	CauseUnexpectedBreakpoint Cause = "unexpected breakpoint"
	CauseInvalidInstruction   Cause = "invalid instruction"
	CauseGeneralProtection    Cause = "general protection fault"
	CauseUnexpectedPageFault  Cause = "unexpected page fault"
	CauseUnhandledExit        Cause = "unhandled vm exit"
	CauseHangDetected         Cause = "hang detected"
	CauseDirtyPoolExhausted   Cause = "dirty pool exhausted"
)

// Bug reports whether the cause indicates a potential bug in the
// target, as opposed to a capacity or time limit.
func (c Cause) Bug() bool {
	switch c {
	case CauseHangDetected, CauseDirtyPoolExhausted:
		return false
	default:
		return true
	}
}

// Report is one warning record for an aborted iteration.
type Report struct {
	VM       int
	InputID  string
	Cursor   uint64
	Mutation string
	Cause    Cause
	GPA      uint64
	RIP      uint64

	// RecentCoverage holds the GPAs this iteration covered for the
	// first time anywhere before aborting, most recent last.
	RecentCoverage []uint64
}

// Record appends the report and emits it. Serialised through the same
// mutex as the coverage set.
func (t *Tracker) Record(rep Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, rep)

	attrs := []any{
		"vm", rep.VM,
		"input", rep.InputID,
		"mutation", rep.Mutation,
		"gpa", fmt.Sprintf("%#x", rep.GPA),
		"rip", fmt.Sprintf("%#x", rep.RIP),
		"recent", fmt.Sprintf("%#x", rep.RecentCoverage),
	}
	if rep.Cause.Bug() {
		t.logger.Warn(string(rep.Cause), attrs...)
	} else {
		t.logger.Debug(string(rep.Cause), attrs...)
	}
}

// Reports returns a copy of every record so far.
func (t *Tracker) Reports() []Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Report(nil), t.reports...)
}
