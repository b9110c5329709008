// Package buildinfo reports the version of the running binary. Values
// stamped with -ldflags win; otherwise they are recovered from the
// module and VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time, e.g.
//
//	-ldflags "-X github.com/nugget/tether/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		Version, GitCommit, BuildTime = fromBuildInfo(bi, Version, GitCommit, BuildTime)
	}
}

// fromBuildInfo fills unstamped values from embedded build data.
func fromBuildInfo(bi *debug.BuildInfo, version, commit, built string) (string, string, string) {
	if version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		version = bi.Main.Version
	}

	var revision, vcsTime string
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if dirty {
			revision += "-dirty"
		}
		commit = revision
	}
	if built == "unknown" && vcsTime != "" {
		built = vcsTime
	}
	return version, commit, built
}

// Info returns build and platform details for `version` output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the time since process start, in whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies this build in handshakes and HTTP headers.
func UserAgent() string {
	return "tether/" + Version
}

// String returns a one-line summary for logs and `version`.
func String() string {
	return fmt.Sprintf("Tether %s (%s) built %s", Version, GitCommit, BuildTime)
}
