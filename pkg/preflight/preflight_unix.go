//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkVolumeExists is a no-op on Unix, where every path hangs off "/".
func checkVolumeExists(string) error { return nil }

// raiseOpenFileLimit lifts the soft RLIMIT_NOFILE to the hard limit. Every
// watched directory costs a descriptor on kqueue based systems.
func raiseOpenFileLimit() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	if rl.Cur >= rl.Max {
		return uint64(rl.Cur), nil
	}
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	return uint64(rl.Cur), nil
}
