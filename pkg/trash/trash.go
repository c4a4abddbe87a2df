// Package trash keeps a compressed copy of a target entry before the mirror
// deletes it, so that a deletion in the source can be undone by hand.
package trash

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const timestampLayout = "20060102T150405.000000000Z"

// Trash writes one archive per kept entry into a single directory.
type Trash struct {
	dir     string
	format  Format
	bufPool *pool.FixedBufferPool
	now     func() time.Time
}

// New creates a Trash writing into dir.
func New(dir string, format Format) *Trash {
	return &Trash{
		dir:     dir,
		format:  format,
		bufPool: pool.NewFixedBuffer(64 * 1024),
		now:     time.Now,
	}
}

// Dir returns the trash directory.
func (t *Trash) Dir() string { return t.dir }

// Keep archives the file or directory tree at path. The archive is named
// after the entry and the current time and appears atomically.
func (t *Trash) Keep(ctx context.Context, path string) (retErr error) {
	if err := os.MkdirAll(t.dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create trash directory %s: %w", t.dir, err)
	}

	name := fmt.Sprintf("%s_%s.%s", sanitize(filepath.Base(path)), t.now().UTC().Format(timestampLayout), t.format)
	archivePath := filepath.Join(t.dir, name)

	out, err := os.CreateTemp(t.dir, ".pgl-mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempName := out.Name()
	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(tempName)
		}
	}()

	if err := t.writeArchive(ctx, path, out); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempName, archivePath); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}

	plog.Notice("TRASH", "path", path, "archive", archivePath)
	return nil
}

func (t *Trash) writeArchive(ctx context.Context, path string, out io.Writer) (retErr error) {
	bufWriter := bufio.NewWriter(out)

	var compressedWriter io.WriteCloser
	switch t.format {
	case TarZst:
		zw, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	case TarGz:
		gw, err := pgzip.NewWriterLevel(bufWriter, pgzip.DefaultCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = gw
	default:
		return fmt.Errorf("unsupported trash format: %s", t.format)
	}

	tarWriter := tar.NewWriter(compressedWriter)
	defer func() {
		if err := tarWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	parent := filepath.Dir(path)
	return filepath.WalkDir(path, func(entry string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", entry, err)
		}
		rel, err := filepath.Rel(parent, entry)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", entry, err)
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(entry); err != nil {
				return fmt.Errorf("failed to read link target for %s: %w", entry, err)
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", entry, err)
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(entry)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", entry, err)
		}
		defer f.Close()

		bufPtr := t.bufPool.Get()
		defer t.bufPool.Put(bufPtr)
		_, err = io.CopyBuffer(tarWriter, f, *bufPtr)
		return err
	})
}

// sanitize keeps archive names portable.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
}
