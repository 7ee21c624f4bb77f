// Package version holds the build version, set with
// -ldflags "-X espcap/internal/version.Version=...".
package version

var Version = "dev"
