package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints, final status
//	1 (-v)      - + Progress, startup info, model status, operation summaries
//	2 (-vv)     - + Detection details, timing, config loaded, archive stats
//	3 (-vvv)    - + Per-frame traces, SQL queries, resource sampler reads
//	4 (-vvvv)   - + Full tensor shapes, state dumps, data structure contents

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Detection results, command output
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress      // Progress indicators (e.g., "Processed 50/100 frames")
	OutputStartup       // Startup banners, config summary
	OutputModelStatus   // Model loaded/unloaded/backend status
	OutputOperationInfo // High-level operation summaries

	// Level 2 (-vv) - Detailed
	OutputDetections // Per-frame detection counts and classes
	OutputTiming     // Operation timing (e.g., "inference took 42ms")
	OutputConfig     // Config values loaded/applied
	OutputDBStats    // Archive statistics and connection info

	// Level 3 (-vvv) - Debug
	OutputFrameTrace // Per-frame pipeline traces
	OutputSQLQueries // Individual SQL queries executed
	OutputSampling   // Resource sampler readings
	OutputInternalOp // Internal operation flow (function entry/exit)

	// Level 4 (-vvvv) - Full dump
	OutputTensorDump // Tensor shapes and raw model output rows
	OutputStateDump  // Full system state snapshots
	OutputDataDump   // Full data structure contents
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	// Level 0 - Always shown
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	// Level 1 - Informational
	OutputProgress:      VerbosityInfo,
	OutputStartup:       VerbosityInfo,
	OutputModelStatus:   VerbosityInfo,
	OutputOperationInfo: VerbosityInfo,

	// Level 2 - Detailed
	OutputDetections: VerbosityDebug,
	OutputTiming:     VerbosityDebug,
	OutputConfig:     VerbosityDebug,
	OutputDBStats:    VerbosityDebug,

	// Level 3 - Debug
	OutputFrameTrace: VerbosityTrace,
	OutputSQLQueries: VerbosityTrace,
	OutputSampling:   VerbosityTrace,
	OutputInternalOp: VerbosityTrace,

	// Level 4 - Full dump
	OutputTensorDump: VerbosityAll,
	OutputStateDump:  VerbosityAll,
	OutputDataDump:   VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:       "results",
	OutputErrors:        "errors",
	OutputUserStatus:    "status",
	OutputProgress:      "progress",
	OutputStartup:       "startup",
	OutputModelStatus:   "model-status",
	OutputOperationInfo: "operation-info",
	OutputDetections:    "detections",
	OutputTiming:        "timing",
	OutputConfig:        "config",
	OutputDBStats:       "db-stats",
	OutputFrameTrace:    "frame-trace",
	OutputSQLQueries:    "sql",
	OutputSampling:      "sampling",
	OutputInternalOp:    "internal",
	OutputTensorDump:    "tensor-dump",
	OutputStateDump:     "state-dump",
	OutputDataDump:      "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "results and errors only"
	case VerbosityInfo:
		return "results, errors, progress, and status"
	case VerbosityDebug:
		return "above + detections, timing, config details"
	case VerbosityTrace:
		return "above + frame traces, SQL, sampler reads"
	case VerbosityAll:
		return "full output including tensor and state dumps"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}
