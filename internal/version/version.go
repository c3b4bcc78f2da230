// Package version carries build metadata stamped in via -ldflags.
package version

import "runtime"

// Overridden at build time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GoVersion reports the Go toolchain the binary was built with.
func GoVersion() string { return runtime.Version() }
