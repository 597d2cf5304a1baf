package version

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	oldVersion, oldCommit, oldBuild := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() {
		AppVersion, GitCommit, BuildTime = oldVersion, oldCommit, oldBuild
	})
	AppVersion, GitCommit, BuildTime = version, commit, built
}

func TestCurrent_Defaults(t *testing.T) {
	stamp(t, "", "", "")

	info := Current(" ")
	if info.Service != Unknown || info.Version != DevelopmentVersion {
		t.Fatalf("unexpected defaults %+v", info)
	}
	if info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("commit and build time must never be empty: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("GoVersion = %q", info.GoVersion)
	}
}

func TestCurrent_Stamped(t *testing.T) {
	stamp(t, "v1.4.0", "abc123", "2026-03-01T03:00:00Z")

	info := Current("ledgerpulse")
	if info.Version != "v1.4.0" || info.Commit != "abc123" {
		t.Fatalf("unexpected info %+v", info)
	}
	ts, ok := info.ParseBuildTime()
	if !ok || !ts.Equal(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseBuildTime() = %v, %v", ts, ok)
	}
	if s := info.String(); !strings.HasPrefix(s, "ledgerpulse v1.4.0 (commit abc123") {
		t.Fatalf("String() = %q", s)
	}
}

func TestParseBuildTime_Invalid(t *testing.T) {
	for _, raw := range []string{"", Unknown, "yesterday"} {
		if _, ok := (Info{BuildTime: raw}).ParseBuildTime(); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
