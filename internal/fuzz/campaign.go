package fuzz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/snapfuzz/internal/corpus"
	"github.com/tinyrange/snapfuzz/internal/coverage"
	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/hv/factory"
	"github.com/tinyrange/snapfuzz/internal/npt"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
)

// Campaign runs one VM per logical processor over a shared snapshot,
// patch table and corpus until the context is cancelled. There is no
// other cancellation: a fuzzing campaign runs until the operator halts
// it.
type Campaign struct {
	cfg     Config
	logger  *slog.Logger
	snap    *snapshot.Store
	patches *patch.Table
	corp    *corpus.Corpus
	tracker *coverage.Tracker
	stats   *Stats
}

// NewCampaign wires the shared state.
func NewCampaign(
	cfg Config,
	snap *snapshot.Store,
	patches *patch.Table,
	corp *corpus.Corpus,
	logger *slog.Logger,
) *Campaign {
	if logger == nil {
		logger = slog.Default()
	}
	return &Campaign{
		cfg:     cfg,
		logger:  logger,
		snap:    snap,
		patches: patches,
		corp:    corp,
		tracker: coverage.NewTracker(snap, patches, logger),
		stats:   NewStats(logger, cfg.StatsInterval),
	}
}

// Tracker exposes the campaign's coverage tracker.
func (c *Campaign) Tracker() *coverage.Tracker {
	return c.tracker
}

// Run starts the fleet. A processor whose virtualization feature is
// unavailable halts alone; the first fatal VM error cancels the rest.
func (c *Campaign) Run(ctx context.Context) error {
	source, err := npt.NewFrameSource(c.snap, c.patches)
	if err != nil {
		return err
	}
	defer source.Close()

	count := runtime.NumCPU()
	if c.cfg.MaxVMs > 0 && c.cfg.MaxVMs < count {
		count = c.cfg.MaxVMs
	}
	c.logger.Info("starting fuzzing loop",
		"vms", count,
		"inputs", c.corp.Len(),
		"patches", c.patches.Len(),
		"frames", c.snap.FrameCount())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			// Each VM owns its logical processor for the lifetime of
			// the program.
			runtime.LockOSThread()
			if err := pinToProcessor(i); err != nil {
				c.logger.Warn("processor pinning failed; continuing unpinned",
					"vm", i, "error", err)
			}

			backend, err := factory.New()
			if err != nil {
				if errors.Is(err, hv.ErrFeatureUnavailable) {
					c.logger.Warn("processor halted", "vm", i, "error", err)
					return nil
				}
				return fmt.Errorf("fuzz: vm %d: %w", i, err)
			}

			vm, err := NewVM(i, backend, c.snap, c.patches, c.corp,
				source, c.tracker, c.stats, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer vm.Close()

			if err := vm.Arm(); err != nil {
				if errors.Is(err, hv.ErrFeatureUnavailable) {
					c.logger.Warn("processor halted", "vm", i, "error", err)
					return nil
				}
				return err
			}

			err = vm.RunLoop(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
