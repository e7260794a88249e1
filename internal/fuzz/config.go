package fuzz

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/snapfuzz/internal/mutation"
)

// Duration is a time.Duration that decodes from "250ms"-style YAML
// strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config carries the environment-tunable knobs of a campaign. All
// fields have working defaults; a YAML file overrides them.
type Config struct {
	// GuestTimeoutTicks programs the hardware execution budget (the
	// VMX-preemption timer) in TSC ticks. A mainstream target
	// completes several orders of magnitude under it.
	GuestTimeoutTicks uint64 `yaml:"guest_timeout_ticks"`

	// GuestTimeout is the software wall-clock budget backing the
	// hardware timer where none exists (SVM), accumulated across
	// interrupt and pause exits.
	GuestTimeout Duration `yaml:"guest_timeout"`

	// DirtyPageLimit bounds the pages one iteration may modify.
	DirtyPageLimit int `yaml:"dirty_page_limit"`

	// PagingStructures bounds the per-VM intermediate paging
	// structure pool.
	PagingStructures int `yaml:"paging_structures"`

	// MutationStrategy selects bitflip (reproducible) or random.
	MutationStrategy mutation.Strategy `yaml:"mutation_strategy"`

	// MaxIterationsPerInput bounds the random strategy per input.
	MaxIterationsPerInput uint64 `yaml:"max_iterations_per_input"`

	// StatsInterval is how many iterations pass between stats rows.
	StatsInterval uint64 `yaml:"stats_interval"`

	// MaxVMs caps the fleet size; zero means one VM per logical
	// processor.
	MaxVMs int `yaml:"max_vms"`
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		GuestTimeoutTicks:     200_000_000,
		GuestTimeout:          Duration(100 * time.Millisecond),
		DirtyPageLimit:        1024,
		PagingStructures:      1024,
		MutationStrategy:      mutation.StrategyBitFlip,
		MaxIterationsPerInput: 10_000,
		StatsInterval:         500,
	}
}

// LoadConfig overlays a YAML file onto the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DirtyPageLimit <= 0 {
		return fmt.Errorf("dirty_page_limit must be positive")
	}
	if c.PagingStructures <= 0 {
		return fmt.Errorf("paging_structures must be positive")
	}
	if c.StatsInterval == 0 {
		return fmt.Errorf("stats_interval must be positive")
	}
	switch c.MutationStrategy {
	case mutation.StrategyBitFlip:
	case mutation.StrategyRandomByte:
		if c.MaxIterationsPerInput == 0 {
			return fmt.Errorf("max_iterations_per_input must be positive for the random strategy")
		}
	default:
		return fmt.Errorf("unknown mutation_strategy %q", c.MutationStrategy)
	}
	return nil
}
