//go:build unix && !linux

package ivm

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPUTime falls back to process CPU time where per-thread usage is
// not available.
func threadCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
