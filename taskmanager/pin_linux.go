//go:build linux

package taskmanager

import "golang.org/x/sys/unix"

// pinCPU binds the calling OS thread's process to a single CPU via
// sched_setaffinity(2).
func pinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
