// Package version resolves the build version string reported by the CLI.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/txnd"

// buildVersion is injected at link time:
// -ldflags "-X pkt.systems/txnd/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Current returns the linked version, the module version from build info, or
// a VCS pseudo-version, in that order of preference.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func vcsPseudoVersion(info *debug.BuildInfo) string {
	var revision, stamp string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			stamp = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
