// Package buildinfo exposes version data stamped at link time, falling
// back to the VCS settings the Go toolchain records.
package buildinfo

import "runtime/debug"

// Set with -ldflags "-X ecoroute/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	commit, builtAt := Commit, BuiltAt
	goVersion := ""
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "":
				commit = s.Value
			case s.Key == "vcs.time" && builtAt == "":
				builtAt = s.Value
			}
		}
	}
	return map[string]string{
		"version": Version,
		"commit":  commit,
		"builtAt": builtAt,
		"go":      goVersion,
	}
}

// Fields is Info in a form suited to structured log fields.
func Fields() map[string]any {
	out := map[string]any{}
	for k, v := range Info() {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
