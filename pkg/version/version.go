package version

import "fmt"

// Injected via ldflags at build time:
// -X 'github.com/sinas-platform/sinas/pkg/version.Version=v1.0.0'
// -X 'github.com/sinas-platform/sinas/pkg/version.CommitHash=abc123'
// -X 'github.com/sinas-platform/sinas/pkg/version.BuildDate=2026-01-01T00:00:00Z'
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

// Info carries the build identity of the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

func Get() Info {
	return Info{Version: Version, CommitHash: CommitHash, BuildDate: BuildDate}
}

// String renders the build identity for the CLI version output.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildDate)
}
