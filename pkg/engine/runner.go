package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/planner"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/trash"
)

// --- ARCHITECTURAL OVERVIEW ---
//
// A mirror session has two phases.
//
// 1. Reconcile - "Catch Up"
//    - Every include pair is walked once and stale or missing target entries
//      are copied. Nothing is deleted; a target may hold extra entries.
//
// 2. Follow - "Stay Current"
//    - One watcher per include root turns filesystem notifications into
//      change events, and one goroutine per root routes them into the
//      targets. Watchers are registered before the reconcile starts, so
//      changes made during the walk are queued rather than lost. Routing
//      only starts once the reconcile has completed.
//
// Per-entry failures never end a session. Only preflight, lock and
// cancellation decide how Execute returns.

// EventSource delivers the change events of one include root.
type EventSource interface {
	Root() string
	Events() <-chan pathmirror.RawChangeEvent
	Run(ctx context.Context) error
}

// SourceFactory creates the EventSource for an include root.
type SourceFactory func(root string, tables *pathmirror.Tables, buffer int) (EventSource, error)

type Runner struct {
	newSource SourceFactory
}

// NewRunner creates a Runner. newSource may be nil when the runner only
// executes plans in planner.Once mode.
func NewRunner(newSource SourceFactory) *Runner {
	return &Runner{newSource: newSource}
}

// Execute runs a mirror plan. In Continuous mode it returns once ctx is
// cancelled; cancellation is the normal way to end such a session.
func (r *Runner) Execute(ctx context.Context, p *planner.MirrorPlan) error {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	pairs := p.Tables.Include()

	if err := preflight.Run(p.Preflight, pairs); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	if p.Lock && !p.DryRun {
		release, err := r.acquireTargetLocks(ctx, pairs)
		if err != nil {
			return err
		}
		if release == nil {
			return nil // A lock was already held, exit gracefully.
		}
		defer release()
	}

	var metrics pathmirror.Metrics = &pathmirror.NoopMetrics{}
	if p.Metrics {
		metrics = &pathmirror.MirrorMetrics{}
	}
	if p.Progress > 0 {
		metrics.StartProgress("Mirror progress", p.Progress)
	}
	defer func() {
		metrics.StopProgress()
		metrics.LogSummary("Mirror summary")
	}()

	copier := pathmirror.NewCopier(p.Tables, p.Copier, metrics)

	var sources []EventSource
	var g errgroup.Group
	if p.Mode == planner.Continuous {
		if r.newSource == nil {
			return fmt.Errorf("no event source configured for continuous mode")
		}
		sources = r.openSources(p, pairs)
		// Watchers run from the start so changes made during the
		// reconcile are queued.
		for _, src := range sources {
			g.Go(func() error {
				if err := src.Run(ctx); err != nil {
					plog.Warn("Watcher stopped, changes below this root are no longer mirrored", "root", src.Root(), "error", err)
				}
				return nil
			})
		}
	}

	start := time.Now()
	plog.Info("Starting initial sync", "pairs", len(pairs), "dry_run", p.DryRun)
	if err := pathmirror.NewReconciler(p.Tables, copier).ReconcileAll(ctx); err != nil {
		_ = g.Wait()
		if p.Mode == planner.Continuous {
			plog.Info("Initial sync interrupted")
			return nil
		}
		return err
	}
	plog.Info("Initial sync completed", "duration", time.Since(start).Round(time.Millisecond))

	if p.Mode == planner.Once {
		return nil
	}

	var trasher pathmirror.Trasher
	if p.Trash != nil {
		trasher = trash.New(p.Trash.Dir, p.Trash.Format)
	}
	router := pathmirror.NewRouter(p.Tables, copier, trasher)

	for _, src := range sources {
		g.Go(func() error {
			route(ctx, router, src.Events())
			return nil
		})
	}

	plog.Info("Mirroring live changes, press Ctrl+C to stop", "roots", len(sources))
	<-ctx.Done()
	_ = g.Wait()
	plog.Info("Mirror stopped")
	return nil
}

// route applies events in arrival order until the stream closes or ctx is
// cancelled.
func route(ctx context.Context, router *pathmirror.Router, events <-chan pathmirror.RawChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			router.Route(ctx, ev)
		}
	}
}

// openSources creates one EventSource per watchable include root. Excluded
// roots are skipped; so are roots that do not exist yet, which are picked up
// by the next restart.
func (r *Runner) openSources(p *planner.MirrorPlan, pairs []pathmirror.SourceTargetPair) []EventSource {
	var sources []EventSource
	for _, pair := range pairs {
		if p.Tables.IsExcluded(pair.Source) {
			continue
		}
		src, err := r.newSource(pair.SourcePath, p.Tables, p.Watch.EventBuffer)
		if err != nil {
			plog.Warn("Cannot watch include, live changes are not mirrored", "source", pair.SourcePath, "error", err)
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

// acquireTargetLocks takes the lock of every distinct target root. It
// returns a nil release function and a nil error if another process already
// mirrors into one of them.
func (r *Runner) acquireTargetLocks(ctx context.Context, pairs []pathmirror.SourceTargetPair) (func(), error) {
	var locks []*lockfile.Lock
	releaseAll := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Release()
		}
	}

	seen := make(map[string]struct{})
	for _, pair := range pairs {
		dir := lockDir(pair)
		key := pathmirror.Normalize(dir)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		plog.Debug("Attempting to acquire lock", "path", dir)
		lock, err := lockfile.Acquire(ctx, dir, pair.SourcePath)
		if err != nil {
			releaseAll()
			var lockErr *lockfile.ErrLockActive
			if errors.As(err, &lockErr) {
				plog.Warn("Another mirror is already writing to this target, skipping run.", "target", dir, "details", lockErr.Error())
				return nil, nil
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		locks = append(locks, lock)
	}
	plog.Debug("Locks acquired successfully.", "count", len(locks))
	return releaseAll, nil
}

// lockDir is the directory holding the lock of a pair: the target root for
// a directory include and the target's parent for a file include.
func lockDir(pair pathmirror.SourceTargetPair) string {
	if info, err := os.Stat(pair.SourcePath); err == nil && !info.IsDir() {
		return filepath.Dir(pair.TargetPath)
	}
	return pair.TargetPath
}
