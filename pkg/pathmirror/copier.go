package pathmirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Options tunes the Copier.
type Options struct {
	// Workers bounds the number of extra goroutines used to fan out over
	// directory children. Children run inline once the budget is spent.
	Workers int
	// BufferSize is the size in bytes of each pooled copy buffer.
	BufferSize int64
	// ModTimeWindow truncates modification times before comparing them, for
	// filesystems with coarse timestamp resolution. Zero compares exactly.
	ModTimeWindow time.Duration
	// DeepScan also walks up-to-date directories looking for stale files.
	DeepScan bool
	DryRun   bool
}

const (
	defaultWorkers    = 4
	defaultBufferSize = 256 * 1024
)

// Copier performs all writes into target trees. Failures are logged and
// counted but never returned, so one bad entry cannot stop a walk.
type Copier struct {
	tables  *Tables
	opts    Options
	metrics Metrics

	bufPool  *pool.FixedBufferPool
	sem      *semaphore.Weighted
	dirGroup singleflight.Group
}

// NewCopier creates a Copier. A nil metrics disables counting.
func NewCopier(tables *Tables, opts Options, metrics Metrics) *Copier {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Copier{
		tables:  tables,
		opts:    opts,
		metrics: metrics,
		bufPool: pool.NewFixedBuffer(opts.BufferSize),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// CopyFile copies source over target, creating the target's parent if needed
// and preserving the source's mode and modification time. The copy is made
// regardless of the target's state.
func (c *Copier) CopyFile(ctx context.Context, source, target string) {
	src, trg := Canonical(source), Canonical(target)
	meta, err := StatEntry(src)
	if err != nil {
		plog.Debug("Source vanished before copy", "path", src, "error", err)
		return
	}
	if meta.IsDir {
		plog.Warn("Refusing to copy a directory as a file", "path", src)
		return
	}
	c.copyFile(ctx, src, trg, meta)
}

// CopyDirectoryTree brings target up to date with the directory source.
// Excluded sources are left alone. Otherwise the target directory is
// created and stamped with the current time, stale or missing child files
// are copied and stale or missing child directories are descended into.
func (c *Copier) CopyDirectoryTree(ctx context.Context, source, target string) {
	c.copyTree(ctx, Canonical(source), Canonical(target), true)
}

// needsUpdate applies the configured timestamp window before comparing.
func (c *Copier) needsUpdate(src, trg EntryMetadata) bool {
	if c.opts.ModTimeWindow > 0 {
		src.ModTime = src.ModTime.Truncate(c.opts.ModTimeWindow)
		trg.ModTime = trg.ModTime.Truncate(c.opts.ModTimeWindow)
	}
	return NeedsUpdate(src, trg)
}

func (c *Copier) copyTree(ctx context.Context, src, trg string, stamp bool) {
	if ctx.Err() != nil {
		return
	}
	if c.tables.IsExcluded(Normalize(src)) {
		plog.Notice("EXCL", "path", src)
		c.metrics.AddEntriesExcluded(1)
		return
	}

	if stamp {
		if err := c.ensureDir(trg); err != nil {
			plog.Warn("Failed to create target directory, skipping tree", "path", trg, "error", err)
			c.metrics.AddFilesFailed(1)
			return
		}
		c.touchDir(trg)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		plog.Warn("Failed to enumerate source directory, treating it as empty", "path", src, "error", err)
		entries = nil
	}

	var g errgroup.Group
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		childSrc := filepath.Join(src, entry.Name())
		childTrg := filepath.Join(trg, entry.Name())
		if c.sem.TryAcquire(1) {
			g.Go(func() error {
				defer c.sem.Release(1)
				c.reconcileChild(ctx, childSrc, childTrg)
				return nil
			})
			continue
		}
		c.reconcileChild(ctx, childSrc, childTrg)
	}
	_ = g.Wait()
}

// reconcileChild handles one direct child of a directory being copied.
func (c *Copier) reconcileChild(ctx context.Context, src, trg string) {
	if c.tables.IsExcluded(Normalize(src)) {
		plog.Notice("EXCL", "path", src)
		c.metrics.AddEntriesExcluded(1)
		return
	}

	srcMeta, err := StatEntry(src)
	if err != nil {
		plog.Debug("Source vanished during walk", "path", src, "error", err)
		return
	}
	if !srcMeta.IsDir && !srcMeta.Mode.IsRegular() {
		plog.Notice("SKIP", "type", srcMeta.Mode.String(), "path", src)
		return
	}

	trgMeta, err := StatEntry(trg)
	// A target of the other type counts as absent.
	absent := err != nil || trgMeta.IsDir != srcMeta.IsDir

	switch {
	case srcMeta.IsDir && (absent || c.needsUpdate(srcMeta, trgMeta)):
		c.copyTree(ctx, src, trg, true)
	case srcMeta.IsDir && c.opts.DeepScan:
		c.copyTree(ctx, src, trg, false)
	case srcMeta.IsDir:
		// Up to date.
	case absent || c.needsUpdate(srcMeta, trgMeta):
		c.copyFile(ctx, src, trg, srcMeta)
	default:
		c.metrics.AddFilesUpToDate(1)
	}
}

// copyFile is the logging and counting shell around copyFileSafe.
func (c *Copier) copyFile(ctx context.Context, src, trg string, meta EntryMetadata) {
	if ctx.Err() != nil {
		return
	}
	if c.opts.DryRun {
		plog.Notice("[DRY RUN] COPY", "path", trg)
		return
	}

	if err := c.copyFileSafe(src, trg, meta); err != nil {
		if hints.IsHint(err) {
			plog.Debug("Copy skipped", "path", src, "reason", err)
			return
		}
		plog.Warn("Failed to copy file", "source", src, "target", trg, "error", err)
		c.metrics.AddFilesFailed(1)
		return
	}

	plog.Notice("COPY", "path", trg)
	c.metrics.AddFilesCopied(1)
}

// copyFileSafe writes into a temporary file next to the target and renames
// it into place, so readers never observe a half-written target.
func (c *Copier) copyFileSafe(src, trg string, meta EntryMetadata) (err error) {
	trgDir := filepath.Dir(trg)
	if err := c.ensureDir(trgDir); err != nil {
		return fmt.Errorf("failed to create parent directory %s: %w", trgDir, err)
	}

	// Rename cannot replace a directory.
	if info, err := os.Lstat(trg); err == nil && info.IsDir() {
		plog.Warn("Target is a directory, removing before copy", "path", trg)
		if err := os.RemoveAll(trg); err != nil {
			return fmt.Errorf("failed to remove directory at target %s: %w", trg, err)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hints.Newf("source vanished: %w", err)
		}
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(trgDir, ".pgl-mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", trgDir, err)
	}
	tempPath := out.Name()
	// Cleared once the rename succeeded.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	bufPtr := c.bufPool.Get()
	defer c.bufPool.Put(bufPtr)
	buf := (*bufPtr)[:cap(*bufPtr)]

	written, err := io.CopyBuffer(out, in, buf)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}
	c.metrics.AddBytesWritten(written)

	// The owner must keep write access, or the next update would be locked out.
	if err := out.Chmod(util.WithUserWritePermission(meta.Mode.Perm())); err != nil {
		out.Close()
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}

	// Close flushes, which may touch the modification time, so it precedes Chtimes.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}
	if err := os.Chtimes(tempPath, meta.ModTime, meta.ModTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, trg); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", trg, err)
	}
	tempPath = ""
	return nil
}

// ensureDir makes sure path is a directory. Concurrent callers for the same
// path share a single attempt.
func (c *Copier) ensureDir(path string) error {
	_, err, _ := c.dirGroup.Do(path, func() (any, error) {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			return nil, nil
		case err == nil:
			if c.opts.DryRun {
				plog.Notice("[DRY RUN] DIR", "path", path)
				return nil, nil
			}
			plog.Warn("Target path exists but is not a directory, removing", "path", path, "type", info.Mode().String())
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to remove conflicting target %s: %w", path, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to stat target directory %s: %w", path, err)
		}

		if c.opts.DryRun {
			plog.Notice("[DRY RUN] DIR", "path", path)
			return nil, nil
		}
		if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
			return nil, err
		}
		plog.Notice("DIR", "path", path)
		c.metrics.AddDirsCreated(1)
		return nil, nil
	})
	return err
}

// touchDir stamps a target directory with the current time.
func (c *Copier) touchDir(path string) {
	if c.opts.DryRun {
		return
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		plog.Warn("Failed to stamp target directory", "path", path, "error", err)
	}
}
