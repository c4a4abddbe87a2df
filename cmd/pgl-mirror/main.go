package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	// Apply the log level flag early so loading the config is logged at the requested level.
	if level, ok := flagMap["log-level"].(string); ok {
		plog.SetLevel(plog.LevelFromString(level))
	}
	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}

	switch command {
	case flagparse.None:
		return nil // Usage was printed.
	case flagparse.Version:
		return cmd.RunVersion()
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Sync:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunSync(ctx, flagMap)
	case flagparse.Run:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunMirror(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// The context is cancelled on the first interrupt or termination signal.
	// A second signal terminates the process immediately.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
