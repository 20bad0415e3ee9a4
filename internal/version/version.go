// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/pysugar/hostaway-sync/internal/version.Version=v0.3.0" ./cmd/hostaway-sync
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "none"

	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)
