package pathmirror

import (
	"os"
	"time"
)

// EntryMetadata is a point-in-time view of a filesystem entry. It is read
// when needed and never cached.
type EntryMetadata struct {
	IsDir   bool
	ModTime time.Time
	Size    int64
	Mode    os.FileMode
}

// StatEntry reads the metadata of path, following symlinks.
func StatEntry(path string) (EntryMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return EntryMetadata{}, err
	}
	return EntryMetadata{
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().UTC(),
		Size:    info.Size(),
		Mode:    info.Mode(),
	}, nil
}

// NeedsUpdate reports whether target is stale with respect to source: the
// source was written strictly later, or both are files of different size.
// Directories compare by timestamp only. Both entries must exist; a missing
// target is always copied without asking.
func NeedsUpdate(source, target EntryMetadata) bool {
	if source.ModTime.After(target.ModTime) {
		return true
	}
	return !source.IsDir && !target.IsDir && source.Size != target.Size
}
