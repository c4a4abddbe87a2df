// Package watch turns filesystem notifications below one include root into
// a stream of pathmirror.RawChangeEvent values.
//
// fsnotify watches single directories, so a Watcher registers every
// non-excluded directory of its tree and extends itself as new directories
// appear. An include that names a single file is watched through its parent
// directory, and events for the file's siblings are discarded.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
)

const registryShards = 64

// Watcher produces the change events of one include root.
type Watcher struct {
	root    string
	rootKey string
	single  bool
	tables  *pathmirror.Tables

	fsw     *fsnotify.Watcher
	watched *sharded.Set
	events  chan pathmirror.RawChangeEvent
}

// New creates a Watcher for root and registers its directories. buffer is
// the capacity of the event channel.
func New(root string, tables *pathmirror.Tables, buffer int) (*Watcher, error) {
	root = pathmirror.Canonical(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot watch %s: %w", root, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		rootKey: pathmirror.Normalize(root),
		single:  !info.IsDir(),
		tables:  tables,
		fsw:     fsw,
		watched: sharded.NewSet(registryShards),
		events:  make(chan pathmirror.RawChangeEvent, max(buffer, 0)),
	}

	if w.single {
		err = w.add(filepath.Dir(root))
	} else {
		err = w.addTree(root)
	}
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the watched include root.
func (w *Watcher) Root() string { return w.root }

// Watched returns the number of directories currently registered.
func (w *Watcher) Watched() int { return w.watched.Count() }

// Events returns the event stream. It is closed when Run returns.
func (w *Watcher) Events() <-chan pathmirror.RawChangeEvent { return w.events }

// Run forwards notifications until ctx is cancelled or the underlying
// watcher shuts down. It closes the event stream on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				plog.Warn("Watcher queue overflowed, events were lost; run sync to catch up", "root", w.root)
				continue
			}
			plog.Warn("Watcher error", "root", w.root, "error", err)
		}
	}
}

// translate maps a notification onto the change event model. A Chmod-only
// notification becomes Changed, since touch and other mtime updates arrive
// as Chmod on Linux; the router ignores Changed for directories. fsnotify reports
// the old name of a rename only, so renames surface as deletions and the
// new name arrives as its own Create.
func translate(ev fsnotify.Event) (pathmirror.RawChangeEvent, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return pathmirror.RawChangeEvent{Kind: pathmirror.Created, Path: ev.Name}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return pathmirror.RawChangeEvent{Kind: pathmirror.Deleted, Path: ev.Name}, true
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		return pathmirror.RawChangeEvent{Kind: pathmirror.Changed, Path: ev.Name}, true
	default:
		return pathmirror.RawChangeEvent{}, false
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if w.single && pathmirror.Normalize(ev.Name) != w.rootKey {
		return
	}
	change, ok := translate(ev)
	if !ok {
		return
	}

	switch change.Kind {
	case pathmirror.Created:
		if !w.single {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.addTree(ev.Name); err != nil {
					plog.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
		}
	case pathmirror.Deleted:
		w.forget(ev.Name)
	}

	select {
	case w.events <- change:
	case <-ctx.Done():
	}
}

// addTree registers dir and every non-excluded directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			plog.Warn("Failed to access directory, it will not be watched", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.tables.IsExcluded(pathmirror.Normalize(path)) {
			return filepath.SkipDir
		}
		if err := w.add(path); err != nil {
			if path == dir {
				return err
			}
			plog.Warn("Failed to watch directory", "path", path, "error", err)
			return filepath.SkipDir
		}
		return nil
	})
}

func (w *Watcher) add(dir string) error {
	if w.watched.LoadOrStore(dir) {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		w.watched.Delete(dir)
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	plog.Debug("Watching directory", "path", dir)
	return nil
}

// forget drops path and everything registered below it.
func (w *Watcher) forget(path string) {
	removed := w.watched.DeletePrefix(path + string(filepath.Separator))
	if w.watched.Has(path) {
		w.watched.Delete(path)
		removed = append(removed, path)
	}
	for _, dir := range removed {
		// The kernel has usually dropped the watch already.
		_ = w.fsw.Remove(dir)
	}
}
