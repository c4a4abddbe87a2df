package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	ConfigPath *string
	LogLevel   *string
	DryRun     *bool
	Metrics    *bool
	Quiet      *bool

	// Shared: Run / Sync / Init
	Workers       *int
	BufferSizeKB  *int
	DeepScan      *bool
	ModTimeWindow *int
	Exclude       *string

	// Run specific
	EventBuffer *int
	Trash       *bool
	TrashDir    *string
	TrashFormat *string
	Lock        *bool

	// Init specific
	Source *string
	Target *string
	Force  *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ConfigPath = fs.String("config", "", "Path to the configuration file (.json or .toml).")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Enable file and event counters with a summary on exit.")
	f.Quiet = fs.Bool("quiet", false, "Suppress all output below warnings.")
}

func registerEngineFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Workers = fs.Int("workers", 0, "Number of extra goroutines copying directory children in parallel.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	f.DeepScan = fs.Bool("deep-scan", false, "Descend into up-to-date directories during the initial sync.")
	f.ModTimeWindow = fs.Int("mod-time-window", 0, "Time window in seconds to consider modification times equal (0=exact).")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of path prefixes to exclude (added to the configured ones).")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	registerEngineFlags(fs, f)
	f.EventBuffer = fs.Int("event-buffer", 0, "Capacity of the change event queue per include root.")
	f.Trash = fs.Bool("trash", false, "Keep a compressed copy of every target entry before it is deleted.")
	f.TrashDir = fs.String("trash-dir", "", "Directory receiving trash archives.")
	f.TrashFormat = fs.String("trash-format", "", "Trash archive format: 'tar.gz' or 'tar.zst'.")
	f.Lock = fs.Bool("lock", true, "Hold a lock file in every target root while mirroring.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerEngineFlags(fs, f)
	f.Source = fs.String("source", "", "Source path to mirror. (Required)")
	f.Target = fs.String("target", "", "Target path receiving the mirror. (Required)")
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	var desc string

	switch command {
	case Run:
		registerGlobalFlags(fs, f)
		registerRunFlags(fs, f)
		desc = "Reconcile every include pair, then mirror live changes until interrupted."
	case Sync:
		registerGlobalFlags(fs, f)
		registerEngineFlags(fs, f)
		desc = "Reconcile every include pair once and exit."
	case Init:
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)
		desc = "Write a new configuration file."
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs.Usage = func() {
		printSubcommandUsage(command, desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.ConfigPath)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)

	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "deep-scan", f.DeepScan)
	addIfUsed(flagMap, usedFlags, "mod-time-window", f.ModTimeWindow)

	addIfUsed(flagMap, usedFlags, "event-buffer", f.EventBuffer)
	addIfUsed(flagMap, usedFlags, "trash", f.Trash)
	addIfUsed(flagMap, usedFlags, "trash-dir", f.TrashDir)
	addIfUsed(flagMap, usedFlags, "trash-format", f.TrashFormat)
	addIfUsed(flagMap, usedFlags, "lock", f.Lock)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParseExcludeList)

	if _, hasSource := flagMap["source"]; hasSource {
		if _, hasTarget := flagMap["target"]; !hasTarget {
			return nil, fmt.Errorf("-source requires -target")
		}
	}

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "An incremental one-way directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  run         Reconcile, then mirror live changes until interrupted\n")
	fmt.Fprintf(fs.Output(), "  sync        Reconcile once and exit\n")
	fmt.Fprintf(fs.Output(), "  init        Write a new configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "An incremental one-way directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of path prefixes.
// Single (') and double (") quotes group items that contain commas or spaces and
// are removed. Backslashes are literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
