//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeExists verifies that the drive or network share root of path
// exists. For "Z:\mirror" it checks "Z:\".
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	if !strings.HasSuffix(volume, string(filepath.Separator)) {
		volume += string(filepath.Separator)
	}
	volume = filepath.Clean(volume)

	if _, err := os.Stat(volume); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", volume)
	}
	return nil
}

// raiseOpenFileLimit is a no-op on Windows, which has no descriptor rlimit.
func raiseOpenFileLimit() (uint64, error) { return 0, nil }
