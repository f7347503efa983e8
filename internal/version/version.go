// Package version carries build metadata set through -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the build metadata on three lines.
func String() string {
	return fmt.Sprintf("coinbeat %s\ncommit: %s\nbuilt: %s", Version, Commit, BuildDate)
}
