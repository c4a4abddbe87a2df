package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
)

// RunInit handles the logic for the 'init' command. It writes a new
// configuration file, or adds the given pair to an existing one.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)
	if configPath == "" {
		configPath = config.ConfigFileName
	}
	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", configPath, err)
	}

	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	var baseConfig config.Config
	if _, err := os.Stat(absConfigPath); err == nil {
		if force {
			baseConfig = config.NewDefault()
		} else {
			// Try to load the existing config to extend it.
			baseConfig, err = config.Load(absConfigPath)
			if err != nil {
				fmt.Printf("WARNING: Configuration file at %s cannot be read: %v\n", absConfigPath, err)
				if !PromptForConfirmation("Overwrite it with defaults?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
				baseConfig = config.NewDefault()
			}
		}
	} else {
		baseConfig = config.NewDefault()
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	if len(runConfig.Include) == 0 {
		return fmt.Errorf("the -source and -target flags are required for the init operation (unless updating an existing config)")
	}

	// CRITICAL: Validate the config before writing it
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Nesting is checked now rather than on the first run.
	for _, pair := range runConfig.Tables().Include() {
		if err := preflight.CheckPathNesting(pair); err != nil {
			return fmt.Errorf("initialization preflight failed: %w", err)
		}
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration", "path", absConfigPath, "include", len(runConfig.Include))
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := config.Generate(runConfig, absConfigPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
