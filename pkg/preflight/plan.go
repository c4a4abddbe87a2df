package preflight

// Plan selects which checks Run performs.
type Plan struct {
	SourceAccessible bool
	TargetAccessible bool
	TargetWritable   bool
	PathNesting      bool
	RaiseFileLimit   bool

	// Global Flags
	DryRun bool
}
