package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/trash"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the
// working directory when no -config flag is given.
const ConfigFileName = "pgl-mirror.config.json"

// TOMLConfigFileName is the TOML alternative to ConfigFileName.
const TOMLConfigFileName = "pgl-mirror.config.toml"

type IncludeConfig struct {
	Source string `json:"source" toml:"source"`
	Target string `json:"target" toml:"target"`
}

type EngineConfig struct {
	Workers                 int  `json:"workers" toml:"workers"`
	BufferSizeKB            int  `json:"bufferSizeKB" toml:"bufferSizeKB"`
	DeepScan                bool `json:"deepScan" toml:"deepScan"`
	ModTimeWindowSeconds    int  `json:"modTimeWindowSeconds" toml:"modTimeWindowSeconds"`
	Metrics                 bool `json:"metrics" toml:"metrics"`
	ProgressIntervalSeconds int  `json:"progressIntervalSeconds" toml:"progressIntervalSeconds"`
	EventBuffer             int  `json:"eventBuffer" toml:"eventBuffer"`
}

type TrashConfig struct {
	Enabled bool         `json:"enabled" toml:"enabled"`
	Dir     string       `json:"dir" toml:"dir"`
	Format  trash.Format `json:"format" toml:"format"`
}

type RuntimeConfig struct {
	DryRun     bool
	ConfigPath string
}

type Config struct {
	Version  string          `json:"version" toml:"version"`
	LogLevel string          `json:"logLevel" toml:"logLevel"`
	Include  []IncludeConfig `json:"include" toml:"include"`
	Exclude  []string        `json:"exclude" toml:"exclude"`
	Engine   EngineConfig    `json:"engine" toml:"engine"`
	Trash    TrashConfig     `json:"trash" toml:"trash"`
	Lock     bool            `json:"lock" toml:"lock"`
	Runtime  RuntimeConfig   `json:"-" toml:"-"` // Never added to config file
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Include:  []IncludeConfig{}, // Intentionally empty to force user configuration.
		Exclude:  []string{},
		Engine: EngineConfig{
			Workers:                 4,   // Safe for HDDs, decent for SSDs.
			BufferSizeKB:            256, // Keep it between 64KB-4MB
			DeepScan:                false,
			ModTimeWindowSeconds:    0, // Exact comparison.
			Metrics:                 true,
			ProgressIntervalSeconds: 0, // No periodic progress line.
			EventBuffer:             1024,
		},
		Trash: TrashConfig{
			Enabled: false,
			Dir:     "",
			Format:  trash.TarZst,
		},
		Lock: true,
	}
}

// Locate returns the configuration file to use. An explicit path wins;
// otherwise the JSON and then the TOML file name are tried in the working
// directory. When neither exists the JSON name is returned so the caller's
// error names the expected file.
func Locate(path string) string {
	if path != "" {
		return path
	}
	for _, name := range []string{ConfigFileName, TOMLConfigFileName} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ConfigFileName
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads the configuration file at path. A missing or unparsable file is
// an error; the mirror cannot run without include pairs.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file %s: %w", absPath, err)
	}

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the file.
	config := NewDefault()
	if isTOML(absPath) {
		err = toml.NewDecoder(bytes.NewReader(data)).Decode(&config)
	} else {
		err = json.NewDecoder(bytes.NewReader(data)).Decode(&config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	config.Runtime.ConfigPath = absPath
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes the configuration to path, as TOML when the extension is
// .toml and as indented JSON otherwise.
func Generate(configToGenerate Config, path string) error {
	var data []byte
	var err error
	if isTOML(path) {
		data, err = toml.Marshal(configToGenerate)
	} else {
		data, err = json.MarshalIndent(configToGenerate, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place.
func (c *Config) Validate() error {
	if len(c.Include) == 0 {
		return fmt.Errorf("include cannot be empty")
	}

	var err error
	for i := range c.Include {
		inc := &c.Include[i]
		if strings.TrimSpace(inc.Source) == "" {
			return fmt.Errorf("include[%d].source cannot be empty", i)
		}
		if strings.TrimSpace(inc.Target) == "" {
			return fmt.Errorf("include[%d].target cannot be empty", i)
		}
		if inc.Source, err = cleanPath(inc.Source); err != nil {
			return fmt.Errorf("could not expand include[%d].source: %w", i, err)
		}
		if inc.Target, err = cleanPath(inc.Target); err != nil {
			return fmt.Errorf("could not expand include[%d].target: %w", i, err)
		}
	}

	for i, ex := range c.Exclude {
		if strings.TrimSpace(ex) == "" {
			return fmt.Errorf("exclude[%d] cannot be empty", i)
		}
		if c.Exclude[i], err = cleanPath(ex); err != nil {
			return fmt.Errorf("could not expand exclude[%d]: %w", i, err)
		}
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.bufferSizeKB must be greater than 0")
	}
	if c.Engine.ModTimeWindowSeconds < 0 {
		return fmt.Errorf("engine.modTimeWindowSeconds cannot be negative")
	}
	if c.Engine.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("engine.progressIntervalSeconds cannot be negative")
	}
	if c.Engine.EventBuffer < 0 {
		return fmt.Errorf("engine.eventBuffer cannot be negative")
	}

	if c.Trash.Enabled {
		if strings.TrimSpace(c.Trash.Dir) == "" {
			return fmt.Errorf("trash.dir cannot be empty when trash is enabled")
		}
		if c.Trash.Dir, err = cleanPath(c.Trash.Dir); err != nil {
			return fmt.Errorf("could not expand trash.dir: %w", err)
		}
		if _, err := trash.ParseFormat(string(c.Trash.Format)); err != nil {
			return fmt.Errorf("trash.format: %w", err)
		}
	}
	return nil
}

func cleanPath(p string) (string, error) {
	expanded, err := util.ExpandPath(strings.TrimSpace(p))
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

// Tables builds the normalized lookup tables of the mirror. This is the one
// place configured paths are normalized. An enabled trash directory is
// excluded so archives never feed back into a target.
func (c *Config) Tables() *pathmirror.Tables {
	pairs := make([]pathmirror.SourceTargetPair, 0, len(c.Include))
	for _, inc := range c.Include {
		pairs = append(pairs, pathmirror.NewPair(inc.Source, inc.Target))
	}
	exclude := c.Exclude
	if c.Trash.Enabled && c.Trash.Dir != "" {
		exclude = util.MergeAndDeduplicate(c.Exclude, []string{c.Trash.Dir})
	}
	return pathmirror.NewTables(pairs, exclude)
}

// CopierOptions translates the engine section into Copier options.
func (c *Config) CopierOptions() pathmirror.Options {
	return pathmirror.Options{
		Workers:       c.Engine.Workers,
		BufferSize:    int64(c.Engine.BufferSizeKB) * 1024,
		ModTimeWindow: time.Duration(c.Engine.ModTimeWindowSeconds) * time.Second,
		DeepScan:      c.Engine.DeepScan,
		DryRun:        c.Runtime.DryRun,
	}
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"workers", c.Engine.Workers,
		"buffer_size_kb", c.Engine.BufferSizeKB,
		"deep_scan", c.Engine.DeepScan,
		"metrics", c.Engine.Metrics,
		"lock", c.Lock,
	}
	if c.Runtime.ConfigPath != "" {
		logArgs = append(logArgs, "config", c.Runtime.ConfigPath)
	}
	if c.Engine.ModTimeWindowSeconds > 0 {
		logArgs = append(logArgs, "mod_time_window", time.Duration(c.Engine.ModTimeWindowSeconds)*time.Second)
	}
	if c.Trash.Enabled {
		logArgs = append(logArgs, "trash", fmt.Sprintf("%s (%s)", c.Trash.Dir, c.Trash.Format))
	}
	plog.Info("Configuration loaded", logArgs...)

	for _, inc := range c.Include {
		plog.Info("Include", "source", inc.Source, "target", inc.Target)
	}
	for _, ex := range c.Exclude {
		plog.Info("Exclude", "path", ex)
	}
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	merged.Include = append([]IncludeConfig(nil), base.Include...)
	merged.Exclude = append([]string(nil), base.Exclude...)

	for name, value := range setFlags {
		switch name {
		case "config":
			merged.Runtime.ConfigPath = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "workers":
			merged.Engine.Workers = value.(int)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "deep-scan":
			merged.Engine.DeepScan = value.(bool)
		case "mod-time-window":
			merged.Engine.ModTimeWindowSeconds = value.(int)
		case "event-buffer":
			merged.Engine.EventBuffer = value.(int)
		case "trash":
			merged.Trash.Enabled = value.(bool)
		case "trash-dir":
			merged.Trash.Dir = value.(string)
		case "trash-format":
			merged.Trash.Format = trash.Format(value.(string))
		case "lock":
			merged.Lock = value.(bool)
		case "exclude":
			merged.Exclude = util.MergeAndDeduplicate(merged.Exclude, value.([]string))
		case "quiet":
			// Applied to the logger by the entry point.
		case "source", "target", "force":
			// Handled below.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}

	// Only init accepts a pair on the command line.
	if command == flagparse.Init {
		src, hasSource := setFlags["source"].(string)
		trg, hasTarget := setFlags["target"].(string)
		if hasSource && hasTarget {
			merged.Include = append(merged.Include, IncludeConfig{Source: src, Target: trg})
		}
	}
	return merged
}
