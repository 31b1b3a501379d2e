// Package version carries the build identity stamped into the binary at link
// time via -ldflags.
package version

import "fmt"

// Build identity, overridden by the release pipeline:
//
//	-ldflags "-X github.com/velometry/velometry/pkg/version.Version=v1.4.0 ..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the full build identity for the version command.
func String() string {
	return fmt.Sprintf("velometry %s (commit: %s, built: %s)", Version, Commit, Date)
}
