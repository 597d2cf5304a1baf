// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	// Unknown fills metadata that was not stamped.
	Unknown = "unknown"
	// DevelopmentVersion is the version of unstamped builds.
	DevelopmentVersion = "dev"
)

// Set at build time:
//
//	go build -ldflags="-X github.com/ledgerpulse/ledgerpulse/pkg/version.AppVersion=v1.4.0 \
//	  -X github.com/ledgerpulse/ledgerpulse/pkg/version.GitCommit=$(git rev-parse HEAD)"
var (
	AppVersion = DevelopmentVersion
	GitCommit  = Unknown
	BuildTime  = Unknown
)

// Info describes the running binary.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Current returns the build metadata for service. When the commit was not
// stamped it falls back to the VCS revision recorded by the Go toolchain.
func Current(service string) Info {
	info := Info{
		Service:   orDefault(service, Unknown),
		Version:   orDefault(AppVersion, DevelopmentVersion),
		Commit:    orDefault(GitCommit, Unknown),
		BuildTime: orDefault(BuildTime, Unknown),
		GoVersion: runtime.Version(),
	}
	if info.Commit == Unknown || info.BuildTime == Unknown {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range bi.Settings {
				switch {
				case setting.Key == "vcs.revision" && info.Commit == Unknown:
					info.Commit = setting.Value
				case setting.Key == "vcs.time" && info.BuildTime == Unknown:
					info.BuildTime = setting.Value
				}
			}
		}
	}
	return info
}

// ParseBuildTime parses BuildTime as RFC3339.
func (i Info) ParseBuildTime() (time.Time, bool) {
	if i.BuildTime == "" || i.BuildTime == Unknown {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, i.BuildTime)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", i.Service, i.Version, i.Commit, i.BuildTime, i.GoVersion)
}

func orDefault(v, fallback string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return fallback
}
