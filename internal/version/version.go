// Package version holds the build-time version string baked into the
// peerchat binary.
package version

// Version is the released version string. Overridden at build time via
// -ldflags "-X github.com/peerchat/peerchat/internal/version.Version=...".
var Version = "dev"
