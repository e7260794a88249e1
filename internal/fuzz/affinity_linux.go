//go:build linux

package fuzz

import "golang.org/x/sys/unix"

// pinToProcessor binds the calling thread to one logical processor.
func pinToProcessor(index int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(index)
	return unix.SchedSetaffinity(0, &set)
}
