//go:build !linux

package fuzz

// pinToProcessor is a no-op where thread affinity is not exposed; the
// locked OS thread still keeps each VM on a single thread.
func pinToProcessor(int) error {
	return nil
}
