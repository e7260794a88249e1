package fuzz

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/snapfuzz/internal/mutation"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.validate())
	assert.Equal(t, uint64(200_000_000), cfg.GuestTimeoutTicks)
	assert.Equal(t, mutation.StrategyBitFlip, cfg.MutationStrategy)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
guest_timeout: 250ms
dirty_page_limit: 64
mutation_strategy: random
max_vms: 2
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.GuestTimeout)
	assert.Equal(t, 64, cfg.DirtyPageLimit)
	assert.Equal(t, mutation.StrategyRandomByte, cfg.MutationStrategy)
	assert.Equal(t, 2, cfg.MaxVMs)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint64(200_000_000), cfg.GuestTimeoutTicks)
	assert.Equal(t, 1024, cfg.PagingStructures)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mutation_strategy: upside_down\n"), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}
