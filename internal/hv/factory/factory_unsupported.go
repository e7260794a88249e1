//go:build !(linux && amd64)

package factory

import "github.com/tinyrange/snapfuzz/internal/hv"

// New reports that no backend exists for this platform.
func New() (hv.Backend, error) {
	return nil, hv.ErrFeatureUnavailable
}
