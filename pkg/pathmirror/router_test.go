package pathmirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

type recordingTrash struct {
	mu   sync.Mutex
	kept []string
	err  error
}

func (r *recordingTrash) Keep(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kept = append(r.kept, path)
	return r.err
}

// orderTrash records, for every kept path, whether watch existed at that moment.
type orderTrash struct {
	watch   string
	kept    []string
	present []bool
}

func (o *orderTrash) Keep(_ context.Context, path string) error {
	_, err := os.Lstat(o.watch)
	o.kept = append(o.kept, path)
	o.present = append(o.present, err == nil)
	return nil
}

func newTestRouter(src, trg string, exclude []string, trash Trasher) (*Router, *MirrorMetrics) {
	c, tables, m := newTestCopier(src, trg, exclude, Options{})
	return NewRouter(tables, c, trash), m
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("created file is copied", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "Sub", "New.txt"), "n", baseTime())

		r, m := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(src, "Sub", "New.txt")})

		if got := readFile(t, filepath.Join(trg, "Sub", "New.txt")); got != "n" {
			t.Errorf("content = %q, want %q", got, "n")
		}
		if m.EventsRouted.Load() != 1 {
			t.Errorf("EventsRouted = %d, want 1", m.EventsRouted.Load())
		}
	})

	t.Run("created directory copies its tree", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "dir", "a", "b.txt"), "b", baseTime())

		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(src, "dir")})

		assertExists(t, filepath.Join(trg, "dir", "a", "b.txt"))
	})

	t.Run("created entry that vanished is a no-op", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(src, "ghost")})
		assertNotExists(t, filepath.Join(trg, "ghost"))
	})

	t.Run("changed file is copied unconditionally", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "c.txt"), "src", baseTime())
		createFile(t, filepath.Join(trg, "c.txt"), "trg", time.Now())

		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Changed, Path: filepath.Join(src, "c.txt")})

		if got := readFile(t, filepath.Join(trg, "c.txt")); got != "src" {
			t.Errorf("content = %q, want %q", got, "src")
		}
	})

	t.Run("changed directory is ignored", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "d", "x.txt"), "x", baseTime())

		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Changed, Path: filepath.Join(src, "d")})
		assertNotExists(t, filepath.Join(trg, "d"))
	})

	t.Run("deleted file is removed", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(trg, "old.txt"), "o", baseTime())

		r, m := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "old.txt")})

		assertNotExists(t, filepath.Join(trg, "old.txt"))
		if m.EntriesDeleted.Load() != 1 {
			t.Errorf("EntriesDeleted = %d, want 1", m.EntriesDeleted.Load())
		}
	})

	t.Run("deleted directory falls back to tree removal", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(trg, "tree", "a", "b.txt"), "b", baseTime())

		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "tree")})
		assertNotExists(t, filepath.Join(trg, "tree"))
	})

	t.Run("deleting an absent target is ignored", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		r, m := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "never")})
		if m.EntriesDeleted.Load() != 0 {
			t.Errorf("EntriesDeleted = %d, want 0", m.EntriesDeleted.Load())
		}
	})

	t.Run("renamed deletes old then creates new", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "new.txt"), "moved", baseTime())
		createFile(t, filepath.Join(trg, "old.txt"), "moved", baseTime())

		order := &orderTrash{watch: filepath.Join(trg, "new.txt")}
		r, _ := newTestRouter(src, trg, nil, order)
		r.Route(ctx, RawChangeEvent{
			Kind:    Renamed,
			Path:    filepath.Join(src, "new.txt"),
			OldPath: filepath.Join(src, "old.txt"),
		})

		if len(order.kept) != 1 || order.kept[0] != filepath.Join(trg, "old.txt") {
			t.Fatalf("kept = %v, want only the old target", order.kept)
		}
		if order.present[0] {
			t.Error("new target existed before the old one was deleted")
		}
		assertNotExists(t, filepath.Join(trg, "old.txt"))
		if got := readFile(t, filepath.Join(trg, "new.txt")); got != "moved" {
			t.Errorf("content = %q, want %q", got, "moved")
		}
	})

	t.Run("case-only rename keeps the entry", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "Name.txt"), "x", baseTime())
		createFile(t, filepath.Join(trg, "name.txt"), "x", baseTime())

		r, _ := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{
			Kind:    Renamed,
			Path:    filepath.Join(src, "Name.txt"),
			OldPath: filepath.Join(src, "name.txt"),
		})
		assertExists(t, filepath.Join(trg, "Name.txt"))
	})

	t.Run("excluded path is dropped", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "tmp", "x.txt"), "x", baseTime())

		r, m := newTestRouter(src, trg, []string{filepath.Join(src, "TMP")}, nil)
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(src, "tmp", "x.txt")})

		assertNotExists(t, filepath.Join(trg, "tmp"))
		if m.EventsDropped.Load() != 1 {
			t.Errorf("EventsDropped = %d, want 1", m.EventsDropped.Load())
		}
	})

	t.Run("path without owner is dropped", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		other := t.TempDir()
		createFile(t, filepath.Join(other, "x.txt"), "x", baseTime())

		r, m := newTestRouter(src, trg, nil, nil)
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(other, "x.txt")})

		if m.EventsDropped.Load() != 1 || m.EventsRouted.Load() != 0 {
			t.Errorf("dropped=%d routed=%d, want 1 and 0", m.EventsDropped.Load(), m.EventsRouted.Load())
		}
		entries, err := os.ReadDir(trg)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("target tree changed: %v", entries)
		}
	})

	t.Run("raw path with mixed separators resolves", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "a", "b.txt"), "b", baseTime())

		r, _ := newTestRouter(src, trg, nil, nil)
		raw := src + `\a//b.txt`
		r.Route(ctx, RawChangeEvent{Kind: Changed, Path: raw})
		assertExists(t, filepath.Join(trg, "a", "b.txt"))
	})
}

func TestRouter_Trash(t *testing.T) {
	ctx := context.Background()

	t.Run("target is kept before deletion", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(trg, "f.txt"), "f", baseTime())

		trash := &recordingTrash{}
		r, _ := newTestRouter(src, trg, nil, trash)
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "f.txt")})

		if len(trash.kept) != 1 || trash.kept[0] != filepath.Join(trg, "f.txt") {
			t.Errorf("kept = %v, want the target path", trash.kept)
		}
		assertNotExists(t, filepath.Join(trg, "f.txt"))
	})

	t.Run("failing trash leaves target in place", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(trg, "f.txt"), "f", baseTime())

		trash := &recordingTrash{err: errors.New("disk full")}
		r, m := newTestRouter(src, trg, nil, trash)
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "f.txt")})

		assertExists(t, filepath.Join(trg, "f.txt"))
		if m.FilesFailed.Load() != 1 {
			t.Errorf("FilesFailed = %d, want 1", m.FilesFailed.Load())
		}
	})
}

func TestRouter_DryRunDelete(t *testing.T) {
	src, trg := t.TempDir(), t.TempDir()
	createFile(t, filepath.Join(trg, "f.txt"), "f", baseTime())

	c, tables, _ := newTestCopier(src, trg, nil, Options{DryRun: true})
	r := NewRouter(tables, c, nil)
	r.Route(context.Background(), RawChangeEvent{Kind: Deleted, Path: filepath.Join(src, "f.txt")})

	if _, err := os.Stat(filepath.Join(trg, "f.txt")); err != nil {
		t.Errorf("dry run deleted the target: %v", err)
	}
}

func TestRouter_DroppedEventsAreSilent(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	plog.SetLevel(plog.LevelDebug)
	t.Cleanup(func() {
		plog.SetLevel(plog.LevelInfo)
		plog.SetOutput(io.Discard)
	})

	src, trg := t.TempDir(), t.TempDir()
	other := t.TempDir()
	createFile(t, filepath.Join(src, "tmp", "a.txt"), "a", baseTime())

	r, m := newTestRouter(src, trg, []string{filepath.Join(src, "tmp")}, nil)
	ctx := context.Background()
	r.Route(ctx, RawChangeEvent{Kind: Created, Path: filepath.Join(src, "tmp", "a.txt")})
	r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: filepath.Join(other, "gone.txt")})
	r.Route(ctx, RawChangeEvent{
		Kind:    Renamed,
		Path:    filepath.Join(src, "tmp", "b.txt"),
		OldPath: filepath.Join(src, "tmp", "a.txt"),
	})

	if logBuf.Len() != 0 {
		t.Errorf("expected no log output, got %q", logBuf.String())
	}
	if m.EventsDropped.Load() != 4 {
		t.Errorf("EventsDropped = %d, want 4", m.EventsDropped.Load())
	}
}
