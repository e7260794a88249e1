//go:build linux && amd64

// Package factory selects a virtualization backend for the current
// processor package: VMX on Intel-style CPUs, SVM on AMD-style CPUs.
package factory

import (
	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/hv/svm"
	"github.com/tinyrange/snapfuzz/internal/hv/vmx"
)

// New returns a backend for the current processor. Each logical
// processor needs its own backend instance.
func New() (hv.Backend, error) {
	features := cpuid.HostFeatureSet()
	switch {
	case features.HasFeature(cpuid.X86FeatureVMX):
		return vmx.New()
	case features.HasFeature(cpuid.X86FeatureSVM):
		return svm.New()
	default:
		return nil, hv.ErrFeatureUnavailable
	}
}
