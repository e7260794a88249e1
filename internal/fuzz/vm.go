package fuzz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snapfuzz/internal/corpus"
	"github.com/tinyrange/snapfuzz/internal/coverage"
	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/mutation"
	"github.com/tinyrange/snapfuzz/internal/npt"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
)

// State is the lifecycle of one VM.
type State int

const (
	StateCold State = iota
	StateFeatureOn
	StateArmed
	StateReady
	StateExited
	StateReverting
	StateDown
)

// negativeGFN is the frame of the all-ones canonical address; guests
// chasing a -1 pointer fault here.
const negativeGFN = uint64(0xf_ffff_ffff_ffff)

// VM is one per-processor fuzzing unit: a virtualization backend, a
// nested paging tree, a private input region and a mutation engine.
// Owned by a single goroutine pinned to its processor.
type VM struct {
	index   int
	backend hv.Backend
	cfg     Config
	logger  *slog.Logger

	snap    *snapshot.Store
	patches *patch.Table
	corp    *corpus.Corpus
	tracker *coverage.Tracker
	stats   *Stats

	engine *mutation.Engine
	mem    *npt.Manager

	inputGVA   uint64
	inputPages [][]byte
	inputSlab  []byte
	gdt        []byte

	state      State
	iterations uint64
}

// NewVM wires one VM together. source is the process-shared frame
// source; everything else built here is private to the VM.
func NewVM(
	index int,
	backend hv.Backend,
	snap *snapshot.Store,
	patches *patch.Table,
	corp *corpus.Corpus,
	source *npt.FrameSource,
	tracker *coverage.Tracker,
	stats *Stats,
	cfg Config,
	logger *slog.Logger,
) (*VM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("vm", index)

	engine, err := mutation.NewEngine(
		cfg.MutationStrategy,
		uint64(index)+uint64(time.Now().UnixNano()),
		cfg.MaxIterationsPerInput,
	)
	if err != nil {
		return nil, err
	}

	mem, err := npt.New(backend.EntryFlags, source, npt.Config{
		DirtyPages: cfg.DirtyPageLimit,
		Structures: cfg.PagingStructures,
	})
	if err != nil {
		return nil, err
	}

	// The input region sits one guard page past the end of the
	// captured physical memory, so stray guest accesses around it
	// still fault as unmapped.
	pageCount := corp.InputPages()
	slab, err := unix.Mmap(
		-1,
		0,
		pageCount*hv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("fuzz: allocate input pages: %w", err)
	}
	pages := make([][]byte, pageCount)
	for i := range pages {
		pages[i] = slab[i*hv.PageSize : (i+1)*hv.PageSize : (i+1)*hv.PageSize]
	}

	// Guest segment state is rebuilt from the guest GDT on every
	// re-arm; a snapshot that does not capture it cannot be replayed.
	registers := snap.Registers()
	gdt, ok := snap.Frame(registers.Gdtr.Base >> hv.PageShift)
	if !ok {
		mem.Close()
		unix.Munmap(slab)
		return nil, fmt.Errorf("fuzz: snapshot does not capture the guest GDT at %#x: %w",
			registers.Gdtr.Base, snapshot.ErrInvalidSnapshot)
	}

	return &VM{
		index:      index,
		backend:    backend,
		cfg:        cfg,
		logger:     logger,
		snap:       snap,
		patches:    patches,
		corp:       corp,
		tracker:    tracker,
		stats:      stats,
		engine:     engine,
		mem:        mem,
		inputGVA:   (snap.FrameCount() + 1) << hv.PageShift,
		inputPages: pages,
		inputSlab:  slab,
		gdt:        gdt,
	}, nil
}

// Close releases the VM's page pools.
func (vm *VM) Close() error {
	err := vm.mem.Close()
	if vm.inputSlab != nil {
		if merr := unix.Munmap(vm.inputSlab); err == nil {
			err = merr
		}
		vm.inputSlab = nil
	}
	return err
}

// Arm enables the feature, initializes the control structure and pins
// the input mapping: Cold -> FeatureOn -> Armed.
func (vm *VM) Arm() error {
	if err := vm.backend.Enable(); err != nil {
		vm.state = StateDown
		return fmt.Errorf("fuzz: vm %d: %w", vm.index, err)
	}
	vm.state = StateFeatureOn

	if err := vm.backend.Initialize(vm.mem.PML4Addr(), vm.cfg.GuestTimeoutTicks); err != nil {
		vm.state = StateDown
		return fmt.Errorf("fuzz: vm %d: %w", vm.index, err)
	}

	if err := vm.mem.InstallInputMapping(vm.inputGVA, vm.inputPages); err != nil {
		vm.state = StateDown
		return fmt.Errorf("fuzz: vm %d: %w", vm.index, err)
	}

	vm.state = StateArmed
	vm.logger.Info("vm armed",
		"input_gva", fmt.Sprintf("%#x", vm.inputGVA),
		"input_pages", len(vm.inputPages))
	return nil
}

// RunLoop fuzzes until the context ends or the VM goes down.
func (vm *VM) RunLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := vm.iteration(); err != nil {
			vm.state = StateDown
			return err
		}
	}
	return ctx.Err()
}

// iteration runs one inject / run / classify / revert round. A non-nil
// error downs the VM; everything else recovers per iteration.
func (vm *VM) iteration() error {
	// Advance the mutator, pulling the next corpus input when the
	// current one is exhausted, and expose the result to the guest.
	if !vm.engine.Advance() {
		input := vm.corp.Checkout()
		vm.engine.SetInput(input.ID, input.Data)
		vm.engine.Advance()
	}
	vm.writeInput(vm.engine.Buffer())

	// Re-arm guest state from the snapshot.
	registers := vm.snap.Registers()
	if err := vm.backend.LoadGuest(&registers, vm.gdt); err != nil {
		return fmt.Errorf("fuzz: vm %d: load guest: %w", vm.index, err)
	}
	vm.backend.SetInput(vm.inputGVA, uint64(len(vm.engine.Buffer())))
	vm.state = StateReady

	var (
		start      = time.Now()
		guestSpent time.Duration
		vmexits    uint64
		newCov     []uint64
		hang       bool
		fatal      error
	)

run:
	for {
		entered := time.Now()
		exit := vm.backend.Run()
		guestSpent += time.Since(entered)
		vm.state = StateExited
		vmexits++

		switch e := exit.(type) {
		case hv.ExitNestedPageFault:
			outcome, err := vm.mem.HandleFault(e.GPA, e.Write)
			if err != nil {
				fatal = fmt.Errorf("fuzz: vm %d: %w", vm.index, err)
				break run
			}
			switch outcome {
			case npt.FaultMapped:
				vm.backend.InvalidateCaches()
				vm.state = StateReady
				continue
			case npt.FaultUnmappedGuestMemory:
				vm.report(vm.faultCause(e.GPA), e.GPA, e.RIP, newCov)
				break run
			case npt.FaultDirtyPoolExhausted:
				vm.report(coverage.CauseDirtyPoolExhausted, e.GPA, e.RIP, newCov)
				break run
			}

		case hv.ExitException:
			switch e.Vector {
			case hv.ExceptionBreakpoint:
				// The guest runs identity-mapped, so the RIP is the
				// GPA of the patched site.
				action, original, novel := vm.tracker.OnBreakpoint(e.RIP)
				if action == coverage.ActionNotOurs {
					vm.report(coverage.CauseUnexpectedBreakpoint, e.RIP, e.RIP, newCov)
					break run
				}
				// Retire the one-shot breakpoint in this VM's view of
				// the page; other VMs keep their own copies patched.
				outcome, err := vm.mem.WriteGuestByte(e.RIP, original)
				if err != nil {
					fatal = fmt.Errorf("fuzz: vm %d: %w", vm.index, err)
					break run
				}
				if outcome == npt.FaultDirtyPoolExhausted {
					vm.report(coverage.CauseDirtyPoolExhausted, e.RIP, e.RIP, newCov)
					break run
				}
				if novel {
					newCov = append(newCov, e.RIP)
				}
				vm.backend.InvalidateCaches()
				vm.state = StateReady
				continue

			case hv.ExceptionInvalidOpcode:
				if vm.patches.KindAt(e.RIP) == patch.KindEndMarker {
					// The end marker at the target's return site:
					// the iteration completed normally.
					break run
				}
				vm.report(coverage.CauseInvalidInstruction, e.RIP, e.RIP, newCov)
				break run

			case hv.ExceptionGeneralProtection:
				vm.report(coverage.CauseGeneralProtection, e.RIP, e.RIP, newCov)
				break run

			default: // hv.ExceptionPageFault
				vm.report(coverage.CauseUnexpectedPageFault, e.RIP, e.RIP, newCov)
				break run
			}

		case hv.ExitInterruptOrPause:
			// No hardware timer fired; charge the guest's wall-clock
			// budget instead.
			if guestSpent < time.Duration(vm.cfg.GuestTimeout) {
				vm.state = StateReady
				continue
			}
			hang = true
			vm.report(coverage.CauseHangDetected, 0, 0, newCov)
			break run

		case hv.ExitTimer:
			hang = true
			vm.report(coverage.CauseHangDetected, 0, 0, newCov)
			break run

		case hv.ExitShutdown:
			vm.report(coverage.CauseUnhandledExit, 0, e.Code, newCov)
			break run

		case hv.ExitUnexpected:
			vm.report(coverage.CauseUnhandledExit, 0, e.Code, newCov)
			break run

		case hv.ExitFailure:
			fatal = fmt.Errorf("fuzz: vm %d: %w", vm.index, e.Err)
			break run
		}
	}

	// Coverage feedback: an input that reached new blocks joins the
	// corpus.
	if len(newCov) > 0 {
		vm.corp.Submit(vm.engine.MutantID(), vm.engine.Buffer())
	}

	// Revert all guest-visible state for the next iteration.
	vm.state = StateReverting
	dirtyPages := vm.mem.DirtyCount()
	vm.mem.Revert()
	vm.backend.InvalidateCaches()
	vm.iterations++
	vm.state = StateArmed

	vm.stats.RecordIteration(IterationStats{
		Total:      time.Since(start),
		Guest:      guestSpent,
		VMExits:    vmexits,
		DirtyPages: dirtyPages,
		NewBlocks:  len(newCov),
		Hang:       hang,
	})
	return fatal
}

// faultCause distinguishes the classic bad-pointer shapes from generic
// unmapped accesses.
func (vm *VM) faultCause(gpa uint64) coverage.Cause {
	switch gpa >> hv.PageShift {
	case 0:
		return coverage.CauseNullPageAccess
	case negativeGFN:
		return coverage.CauseNegativePageAccess
	default:
		return coverage.CauseUnmappedGuestMemory
	}
}

func (vm *VM) report(cause coverage.Cause, gpa, rip uint64, newCov []uint64) {
	vm.tracker.Record(coverage.Report{
		VM:             vm.index,
		InputID:        vm.engine.ID(),
		Cursor:         vm.engine.Cursor(),
		Mutation:       vm.engine.Describe(),
		Cause:          cause,
		GPA:            gpa,
		RIP:            rip,
		RecentCoverage: newCov,
	})
}

// writeInput copies the mutated buffer into the pinned input pages and
// clears the tail of the region.
func (vm *VM) writeInput(buf []byte) {
	for i, page := range vm.inputPages {
		offset := i * hv.PageSize
		var n int
		if offset < len(buf) {
			n = copy(page, buf[offset:])
		}
		for j := n; j < hv.PageSize; j++ {
			page[j] = 0
		}
	}
}
