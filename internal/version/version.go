// Package version identifies the vmctl build.
package version

import (
	"fmt"
	"runtime"
)

// Build identification. Release builds override these at link time, for
// example -ldflags "-X github.com/kriansa/vmctl/internal/version.Version=v1.2.0".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns the line printed by `vmctl version` and `vmctl --version`.
func String() string {
	return fmt.Sprintf("vmctl %s (commit: %s, built: %s, go: %s)",
		Version, Commit, BuildTime, runtime.Version())
}
