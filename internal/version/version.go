// Package version carries build metadata. Release builds stamp it with
//
//	-ldflags "-X github.com/smileidentity/captureflow/internal/version.Version=v1.2.3"
//
// and likewise for GitSHA and BuildTime.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
