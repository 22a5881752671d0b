// Package version holds build information injected at link time:
//
//	go build -ldflags "-X callguard/pkg/version.Version=v1.2.3 -X callguard/pkg/version.Commit=$(git rev-parse HEAD)"
package version

import "fmt"

//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for -version output and startup logs.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, Date)
}
