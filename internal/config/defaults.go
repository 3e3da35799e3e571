// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

// =============================================================================
// TELEMETRY DEFAULTS
// =============================================================================

// DefaultBatchIntervalMs is the telemetry flush timer.
const DefaultBatchIntervalMs = 5000

// DefaultMaxBatchSize flushes a batch early once this many events buffer.
const DefaultMaxBatchSize = 200

// DefaultSampleRate keeps every access event.
const DefaultSampleRate = 1.0

// DefaultPathsMode transmits dotted path strings; "ordinals" is the
// bandwidth-optimized alternative.
const DefaultPathsMode = "strings"

// =============================================================================
// INSTRUMENTATION DEFAULTS
// =============================================================================

// DefaultMaxDepth stops instrumentation recursion.
const DefaultMaxDepth = 10

// =============================================================================
// LOGGING DEFAULTS
// =============================================================================

// DefaultLogLevel for the CLI.
const DefaultLogLevel = "info"

// DefaultLogMaxSizeMB is the rotation threshold for file logs.
const DefaultLogMaxSizeMB = 50

// DefaultLogMaxBackups is how many rotated files to keep.
const DefaultLogMaxBackups = 3

// DefaultLogMaxAgeDays is how long rotated files are retained.
const DefaultLogMaxAgeDays = 28
