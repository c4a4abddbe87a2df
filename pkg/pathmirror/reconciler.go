package pathmirror

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Reconciler performs the initial full pass over every include pair.
type Reconciler struct {
	tables *Tables
	copier *Copier
}

// NewReconciler creates a Reconciler that writes through copier.
func NewReconciler(tables *Tables, copier *Copier) *Reconciler {
	return &Reconciler{tables: tables, copier: copier}
}

// ReconcileAll brings every include pair up to date. Pairs are handled
// concurrently and the call returns once all of them are done. Per-entry
// failures are absorbed; only cancellation is reported.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	var g errgroup.Group
	for _, pair := range r.tables.Include() {
		g.Go(func() error {
			r.reconcilePair(ctx, pair)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (r *Reconciler) reconcilePair(ctx context.Context, pair SourceTargetPair) {
	if r.tables.IsExcluded(pair.Source) {
		plog.Info("Include is excluded, skipping", "source", pair.SourcePath)
		return
	}

	src, err := StatEntry(pair.SourcePath)
	if err != nil {
		plog.Info("Source does not exist, skipping", "source", pair.SourcePath)
		return
	}

	start := time.Now()
	plog.Info("Initial sync started", "source", pair.SourcePath, "target", pair.TargetPath)

	if src.IsDir {
		r.copier.CopyDirectoryTree(ctx, pair.SourcePath, pair.TargetPath)
	} else {
		trg, err := StatEntry(pair.TargetPath)
		if err != nil || trg.IsDir || r.copier.needsUpdate(src, trg) {
			r.copier.copyFile(ctx, pair.SourcePath, pair.TargetPath, src)
		} else {
			r.copier.metrics.AddFilesUpToDate(1)
		}
	}

	plog.Info("Initial sync finished", "source", pair.SourcePath, "duration", time.Since(start).Round(time.Millisecond))
}
