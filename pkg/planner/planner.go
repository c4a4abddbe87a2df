package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/trash"
)

type MirrorPlan struct {
	Mode     Mode
	DryRun   bool
	Metrics  bool
	Lock     bool
	Progress time.Duration

	Tables    *pathmirror.Tables
	Copier    pathmirror.Options
	Preflight *preflight.Plan

	// Watch and Trash are nil when the mode or the configuration leaves
	// them out.
	Watch *WatchPlan
	Trash *TrashPlan
}

type WatchPlan struct {
	EventBuffer int
}

type TrashPlan struct {
	Dir    string
	Format trash.Format
}

// GenerateMirrorPlan turns a validated configuration into the plan the
// engine executes.
func GenerateMirrorPlan(mode Mode, cfg config.Config) (*MirrorPlan, error) {
	if _, ok := modeToString[mode]; !ok {
		return nil, fmt.Errorf("unsupported mode: %s", mode)
	}

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	plan := &MirrorPlan{
		Mode:     mode,
		DryRun:   dryRun,
		Metrics:  metrics,
		Lock:     cfg.Lock,
		Progress: time.Duration(cfg.Engine.ProgressIntervalSeconds) * time.Second,

		Tables: cfg.Tables(),
		Copier: cfg.CopierOptions(),
		Preflight: &preflight.Plan{
			SourceAccessible: true,
			TargetAccessible: true,
			TargetWritable:   true,
			PathNesting:      true,
			RaiseFileLimit:   mode == Continuous,
			DryRun:           dryRun,
		},
	}

	if mode == Continuous {
		plan.Watch = &WatchPlan{EventBuffer: cfg.Engine.EventBuffer}

		// Deletions only happen while following live changes.
		if cfg.Trash.Enabled {
			format, err := trash.ParseFormat(string(cfg.Trash.Format))
			if err != nil {
				return nil, err
			}
			plan.Trash = &TrashPlan{Dir: cfg.Trash.Dir, Format: format}
		}
	}
	return plan, nil
}
