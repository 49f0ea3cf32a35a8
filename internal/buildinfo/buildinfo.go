// Package buildinfo carries version data stamped at link time:
//
//	go build -ldflags "-X geyserfeed/internal/buildinfo.Version=v1.2.0 -X geyserfeed/internal/buildinfo.Commit=$(git rev-parse HEAD)"
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  commit(),
		"builtAt": BuiltAt,
	}
}

// String is the one-line form printed by --version.
func String() string {
	s := "geyserd " + Version
	if c := commit(); c != "" {
		s += fmt.Sprintf(" (%s)", c)
	}
	if BuiltAt != "" {
		s += " built " + BuiltAt
	}
	return s
}

// commit falls back to the VCS revision the toolchain embeds when the
// ldflag was not set.
func commit() string {
	if Commit != "" {
		return Commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, kv := range bi.Settings {
			if kv.Key == "vcs.revision" {
				return kv.Value
			}
		}
	}
	return ""
}
