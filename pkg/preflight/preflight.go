// Package preflight provides the checks that run before the mirror starts.
// Apart from creating target roots in the writability check they leave the
// system unchanged.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Run performs the checks selected by plan for every include pair. A
// missing source is only reported, since it may appear later; target
// problems and nesting abort the run.
func Run(plan *Plan, pairs []pathmirror.SourceTargetPair) error {
	if plan.RaiseFileLimit {
		if limit, err := raiseOpenFileLimit(); err != nil {
			plog.Warn("Failed to raise the open file limit, large trees may exhaust watch descriptors", "error", err)
		} else if limit > 0 {
			plog.Debug("Open file limit", "limit", limit)
		}
	}
	if !util.IsHostCaseInsensitiveFS() {
		plog.Debug("Host filesystem is case-sensitive, paths differing only in case share exclusion and include rules")
	}

	for _, pair := range pairs {
		if plan.PathNesting {
			if err := CheckPathNesting(pair); err != nil {
				return err
			}
		}

		targetDir := pair.TargetPath
		if plan.SourceAccessible {
			info, err := CheckSourceAccessible(pair.SourcePath)
			if err != nil {
				plog.Warn("Source is not accessible, it is skipped until it appears", "source", pair.SourcePath, "error", err)
			} else if !info.IsDir() {
				targetDir = filepath.Dir(pair.TargetPath)
			}
		}

		if plan.TargetAccessible {
			if err := CheckTargetAccessible(targetDir); err != nil {
				return err
			}
		}
		if plan.TargetWritable && !plan.DryRun {
			if err := CheckTargetWritable(targetDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckPathNesting refuses pairs whose target is the source itself or lies
// inside it, since every write into the target would be seen as a new
// source change.
func CheckPathNesting(pair pathmirror.SourceTargetPair) error {
	if pair.Target == pair.Source {
		return fmt.Errorf("target %s is the same as its source", pair.TargetPath)
	}
	sourceDir := pair.Source
	if !strings.HasSuffix(sourceDir, string(filepath.Separator)) {
		sourceDir += string(filepath.Separator)
	}
	if strings.HasPrefix(pair.Target, sourceDir) {
		return fmt.Errorf("target %s is nested inside its source %s", pair.TargetPath, pair.SourcePath)
	}
	return nil
}

// CheckSourceAccessible returns the source's file info if it can be read.
func CheckSourceAccessible(srcPath string) (os.FileInfo, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("source %s does not exist", srcPath)
		}
		return nil, fmt.Errorf("cannot stat source %s: %w", srcPath, err)
	}
	return info, nil
}

// CheckTargetAccessible gives friendlier errors than a failing MkdirAll:
// the volume must exist, an existing target must be a directory and for a
// missing target the deepest existing ancestor must be reachable.
func CheckTargetAccessible(targetPath string) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}

	info, err := os.Stat(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		ancestor := filepath.Dir(targetPath)
		for {
			_, err := os.Stat(ancestor)
			if err == nil {
				return nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
			}
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				return fmt.Errorf("no ancestor of target %s exists", targetPath)
			}
			ancestor = parent
		}
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckTargetWritable creates the target directory if needed and proves it
// is writable with a throwaway file.
func CheckTargetWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	f, err := os.CreateTemp(targetPath, ".pgl-mirror-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}
