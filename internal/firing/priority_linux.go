//go:build linux

package firing

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// elevatePriority lowers the calling process's nice value (raising its
// scheduling priority) for the lifetime of the busy-wait window, restoring
// the previous value on return. Best-effort: most processes lack permission
// to go below nice 0, and that failure is not fatal (spec.md §4.3, §9).
func elevatePriority() (restore func(), err error) {
	pid := os.Getpid()

	previous, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return nil, fmt.Errorf("read current priority: %w", err)
	}
	// The raw getpriority syscall returns 20-nice; Setpriority takes the raw
	// nice value.
	previousNice := 20 - previous

	const elevatedNice = -10
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, elevatedNice); err != nil {
		return nil, fmt.Errorf("set elevated priority: %w", err)
	}

	return func() {
		_ = unix.Setpriority(unix.PRIO_PROCESS, pid, previousNice)
	}, nil
}
