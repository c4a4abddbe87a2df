package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/planner"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// RunMirror handles the 'run' command: an initial sync followed by live
// mirroring until ctx is cancelled.
func RunMirror(ctx context.Context, flagMap map[string]interface{}) error {
	return execute(ctx, flagparse.Run, planner.Continuous, flagMap)
}

// RunSync handles the 'sync' command: a single initial sync.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	return execute(ctx, flagparse.Sync, planner.Once, flagMap)
}

func execute(ctx context.Context, command flagparse.Command, mode planner.Mode, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)

	// A missing or malformed configuration is fatal.
	loadedConfig, err := config.Load(config.Locate(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.Runtime.ConfigPath = loadedConfig.Runtime.ConfigPath

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// Log the Summary
	runConfig.LogSummary()

	mirrorPlan, err := planner.GenerateMirrorPlan(mode, runConfig)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(newWatcher)

	startTime := time.Now()
	err = runner.Execute(ctx, mirrorPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

func newWatcher(root string, tables *pathmirror.Tables, buffer int) (engine.EventSource, error) {
	return watch.New(root, tables, buffer)
}
