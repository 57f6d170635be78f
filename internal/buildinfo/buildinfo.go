// Package buildinfo exposes the version stamps baked into release
// binaries. The variables keep their "dev" defaults when the binary is
// built without ldflags, e.g. during go test.
package buildinfo

// Overridden at release time:
//
//	go build -ldflags "-X github.com/vigilrelay/vigil/internal/buildinfo.Version=1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
