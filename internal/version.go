package internal

// Build-time parameters set with -ldflags
var (
	Version = "unknown"
	Commit  = "unknown"
	Built   = "unknown"
)
