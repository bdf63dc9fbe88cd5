package version

import "fmt"

// Build-time variables set by ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns version information
func Info() (string, string, string) {
	return Version, GitCommit, BuildDate
}

// String formats the build information for the version command and logs.
func String() string {
	return fmt.Sprintf("scanpreview %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
