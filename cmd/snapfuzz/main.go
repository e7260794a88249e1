// Command snapfuzz runs a snapshot-fuzzing campaign: one guest per
// logical processor, each replaying the captured snapshot against
// mutated inputs until the operator halts the machine.
//
// Usage:
//
//	snapfuzz [flags] <snapshot_file> <patch_file> <corpus_dir>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/tinyrange/snapfuzz/internal/corpus"
	"github.com/tinyrange/snapfuzz/internal/fuzz"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Optional YAML tuning file")
	serialPath := fs.String("serial", "", "Write log records to this file instead of stderr")
	verbose := fs.Bool("v", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <snapshot_file> <patch_file> <corpus_dir>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Snapshot-fuzz one guest per logical processor.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return fmt.Errorf("expected 3 arguments, got %d", fs.NArg())
	}
	snapshotPath, patchPath, corpusDir := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	// The log stream stands in for the serial port. With -serial set
	// and an interactive terminal, records are echoed to the console
	// as well.
	var sink io.Writer = os.Stderr
	if *serialPath != "" {
		f, err := os.Create(*serialPath)
		if err != nil {
			return fmt.Errorf("open serial sink: %w", err)
		}
		defer f.Close()
		sink = f
		if term.IsTerminal(int(os.Stderr.Fd())) {
			sink = io.MultiWriter(f, os.Stderr)
		}
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := fuzz.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = fuzz.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	snap, err := snapshot.Load(snapshotPath)
	if err != nil {
		return err
	}
	defer snap.Close()

	patches, err := patch.Load(patchPath)
	if err != nil {
		return err
	}

	corp, err := corpus.LoadDir(corpusDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	campaign := fuzz.NewCampaign(cfg, snap, patches, corp, logger)
	return campaign.Run(ctx)
}
