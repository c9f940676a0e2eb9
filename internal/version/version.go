// Package version carries the build-time version string, overridden via
// -ldflags at release build time.
package version

// Version is the running build's semantic version. Overridden by the release
// build via -ldflags "-X github.com/hyperasset/sentinel/internal/version.Version=...".
var Version = "dev"
