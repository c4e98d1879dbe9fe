// Package version exposes build metadata set via -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = ""
)

// GetInfo returns a human-readable version string.
func GetInfo() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
