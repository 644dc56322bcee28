// Package version reports the chorus build version.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X chorus/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the ldflags version, else the module version or short VCS
// revision recorded by the Go toolchain, else "dev".
func String() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return version + "+" + s.Value[:12]
		}
	}
	return version
}
