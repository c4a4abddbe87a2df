package pathmirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Trasher keeps a copy of a target entry before the Router deletes it.
type Trasher interface {
	Keep(ctx context.Context, path string) error
}

// Router applies single change events to the target trees. It holds no
// mutable state of its own and is safe for concurrent use.
type Router struct {
	tables *Tables
	copier *Copier
	trash  Trasher
}

// NewRouter creates a Router. trash may be nil.
func NewRouter(tables *Tables, copier *Copier, trash Trasher) *Router {
	return &Router{tables: tables, copier: copier, trash: trash}
}

// Route applies one event. A rename is applied as a deletion of the old
// path followed by a creation of the new one.
func (r *Router) Route(ctx context.Context, ev RawChangeEvent) {
	if ev.Kind == Renamed {
		if r.owns(ev.OldPath) || r.owns(ev.Path) {
			plog.Notice("EVENT", "kind", ev.Kind, "path", ev.Path, "old_path", ev.OldPath)
		}
		r.Route(ctx, RawChangeEvent{Kind: Deleted, Path: ev.OldPath})
		r.Route(ctx, RawChangeEvent{Kind: Created, Path: ev.Path})
		return
	}

	canonical := Canonical(ev.Path)
	key := strings.ToLower(canonical)
	if key == "" {
		r.copier.metrics.AddEventsDropped(1)
		return
	}
	if r.tables.IsExcluded(key) {
		r.copier.metrics.AddEventsDropped(1)
		return
	}
	pair, ok := r.tables.Resolve(key)
	if !ok {
		r.copier.metrics.AddEventsDropped(1)
		return
	}
	target := pair.Rebase(canonical)
	r.copier.metrics.AddEventsRouted(1)

	switch ev.Kind {
	case Created:
		meta, err := StatEntry(canonical)
		if err != nil {
			plog.Debug("Created entry vanished", "path", canonical, "error", err)
			return
		}
		plog.Notice("EVENT", "kind", ev.Kind, "type", entryType(meta), "path", canonical)
		if meta.IsDir {
			r.copier.copyTree(ctx, canonical, target, true)
			return
		}
		r.copier.copyFile(ctx, canonical, target, meta)

	case Changed:
		meta, err := StatEntry(canonical)
		if err != nil {
			plog.Debug("Changed entry vanished", "path", canonical, "error", err)
			return
		}
		if meta.IsDir {
			return
		}
		plog.Notice("EVENT", "kind", ev.Kind, "type", entryType(meta), "path", canonical)
		r.copier.copyFile(ctx, canonical, target, meta)

	case Deleted:
		plog.Notice("EVENT", "kind", ev.Kind, "path", canonical)
		r.remove(ctx, target)
	}
}

// owns reports whether path is included and not excluded.
func (r *Router) owns(path string) bool {
	key := Normalize(path)
	if key == "" || r.tables.IsExcluded(key) {
		return false
	}
	_, ok := r.tables.Resolve(key)
	return ok
}

// remove deletes target, first as a single entry and then as a tree.
// Failure is logged and otherwise ignored.
func (r *Router) remove(ctx context.Context, target string) {
	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		plog.Debug("Target already absent", "path", target)
		return
	}
	if r.copier.opts.DryRun {
		plog.Notice("[DRY RUN] DELETE", "path", target)
		return
	}

	if r.trash != nil {
		if err := r.trash.Keep(ctx, target); err != nil {
			plog.Warn("Failed to keep a trash copy, target left in place", "path", target, "error", err)
			r.copier.metrics.AddFilesFailed(1)
			return
		}
	}

	if err := os.Remove(target); err != nil {
		if err := os.RemoveAll(target); err != nil {
			plog.Warn("Failed to delete target", "path", target, "error", err)
			return
		}
	}
	plog.Notice("DELETE", "path", target)
	r.copier.metrics.AddEntriesDeleted(1)
}

func entryType(meta EntryMetadata) string {
	if meta.IsDir {
		return "directory"
	}
	return "file"
}
