// Package version holds the build version stamped in via -ldflags.
package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/kelda/pvc-inspect/pkg/version.Version=v0.2.0"
var Version = "dev"
