package taskmanager

import "github.com/sirupsen/logrus"

// pinCurrentProcess attempts to bind the calling process to a single
// CPU. A failed affinity call is logged as a warning, never fatal; on a
// platform without CPU-affinity support pinning is skipped silently. The
// actual syscall lives in pin_linux.go, and pin_other.go is the no-op for
// other platforms, since CPU-affinity syscalls are Linux-specific.
func pinCurrentProcess(log *logrus.Entry, cpu int) {
	if err := pinCPU(cpu); err != nil {
		log.WithError(err).WithField("cpu", cpu).Warn("taskmanager: cpu pinning failed")
	}
}
