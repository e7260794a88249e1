package patch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	table, err := New([]byte(`{"entries": [
		{"address": 4096, "bytes": [204]},
		{"address": 4200, "bytes": [15, 11]},
		{"address": 8192, "bytes": [204]}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())

	assert.Equal(t, KindBreakpoint, table.KindAt(4096))
	assert.Equal(t, KindEndMarker, table.KindAt(4200))
	assert.Equal(t, KindNone, table.KindAt(4201))
	assert.Equal(t, KindNone, table.KindAt(0))

	assert.True(t, table.Patched(1))
	assert.True(t, table.Patched(2))
	assert.False(t, table.Patched(0))
	assert.Equal(t, []uint64{1, 2}, table.PatchedFrames())
}

func TestOverlay(t *testing.T) {
	table, err := New([]byte(`{"entries": [
		{"address": 4096, "bytes": [204]},
		{"address": 4100, "bytes": [15, 11]}
	]}`))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	table.Overlay(1, buf)
	assert.Equal(t, byte(0xcc), buf[0])
	assert.Equal(t, byte(0x0f), buf[4])
	assert.Equal(t, byte(0x0b), buf[5])

	// A frame without entries is untouched.
	other := make([]byte, 4096)
	table.Overlay(7, other)
	assert.Equal(t, make([]byte, 4096), other)
}

func TestOverlayOrderWithinPage(t *testing.T) {
	// Adjacent records in one page are each applied at their own
	// offset. Records sharing an address are rejected at load (see
	// TestBreakpointAndEndMarkerNeverCoincide), so no record can
	// overwrite another.
	table, err := New([]byte(`{"entries": [
		{"address": 4096, "bytes": [1]},
		{"address": 4097, "bytes": [2]}
	]}`))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	table.Overlay(1, buf)
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, byte(2), buf[1])
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		json string
	}{
		{"span boundary", `{"entries": [{"address": 4095, "bytes": [1, 2]}]}`},
		{"overlap", `{"entries": [
			{"address": 4096, "bytes": [1, 2, 3]},
			{"address": 4098, "bytes": [4]}
		]}`},
		{"empty bytes", `{"entries": [{"address": 4096, "bytes": []}]}`},
		{"byte out of range", `{"entries": [{"address": 4096, "bytes": [256]}]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]byte(tc.json))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPatch), "want ErrInvalidPatch, got %v", err)
		})
	}
}

func TestMalformed(t *testing.T) {
	_, err := New([]byte(`{"entries": [`))
	require.Error(t, err)
}

func TestBreakpointAndEndMarkerNeverCoincide(t *testing.T) {
	// Overlap validation implies a single GPA cannot carry both
	// kinds; a duplicated address must be rejected outright.
	_, err := New([]byte(`{"entries": [
		{"address": 4096, "bytes": [204]},
		{"address": 4096, "bytes": [15, 11]}
	]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPatch))
}
