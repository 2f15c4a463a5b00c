package swimdev

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform is an (architecture, OS) pair such as x86_64-linux.
type Platform struct {
	Arch string
	OS   string
}

// SupportedPlatforms is the closed set of systems a manifest may target.
var SupportedPlatforms = []Platform{
	{Arch: "x86_64", OS: "linux"},
	{Arch: "aarch64", OS: "linux"},
	{Arch: "x86_64", OS: "darwin"},
}

func (p Platform) String() string {
	return p.Arch + "-" + p.OS
}

// ParsePlatform validates a system identifier against SupportedPlatforms.
func ParsePlatform(s string) (Platform, error) {
	s = strings.TrimSpace(s)
	for _, p := range SupportedPlatforms {
		if p.String() == s {
			return p, nil
		}
	}
	names := make([]string, len(SupportedPlatforms))
	for i, p := range SupportedPlatforms {
		names[i] = p.String()
	}
	return Platform{}, fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedPlatform, s, strings.Join(names, ", "))
}

// normalizeArch maps Go and uname spellings onto the names used in system identifiers.
func normalizeArch(arch string) string {
	switch arch {
	case "amd64", "x86-64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	}
	return arch
}

// HostPlatform returns the platform swimdev is running on. It is not required to
// be one of SupportedPlatforms (e.g. aarch64-darwin hosts can still cross-build).
func HostPlatform() Platform {
	return Platform{Arch: normalizeArch(runtime.GOARCH), OS: runtime.GOOS}
}

// TargetPrefix returns the toolchain prefix for building target on host.
// Native builds have no prefix.
func TargetPrefix(host, target Platform) string {
	if host == target {
		return ""
	}
	switch target.OS {
	case "darwin":
		return target.Arch + "-apple-darwin-"
	default:
		return target.Arch + "-unknown-" + target.OS + "-gnu-"
	}
}

// CompilerInvocation builds the compiler command name for a target. A non-empty
// override replaces the derived prefix for cross builds only.
func CompilerInvocation(host, target Platform, compiler, override string) string {
	prefix := TargetPrefix(host, target)
	if prefix != "" && override != "" {
		prefix = override
	}
	return prefix + compiler
}

// libraryPathVar is the dynamic loader search path variable for an OS.
func libraryPathVar(p Platform) string {
	if p.OS == "darwin" {
		return "DYLD_LIBRARY_PATH"
	}
	return "LD_LIBRARY_PATH"
}
