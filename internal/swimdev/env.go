package swimdev

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// sourceDateEpochVar breaks virtualenv/pip installs (wheel timestamps before
// 1980) when inherited from a reproducible-build environment.
const sourceDateEpochVar = "SOURCE_DATE_EPOCH"

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

// lookupEnv returns the value of key in env.
func lookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if envKey(env[i]) == key {
			return strings.TrimPrefix(env[i], key+"="), true
		}
	}
	return "", false
}

// withoutEnv returns env minus every entry for the given keys.
func withoutEnv(env []string, keys ...string) []string {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if _, ok := drop[envKey(kv)]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// setEnv replaces or appends key=val.
func setEnv(env []string, key, val string) []string {
	return append(withoutEnv(env, key), key+"="+val)
}

// prependPathList puts dirs in front of the list variable key, dropping
// duplicates and empty elements.
func prependPathList(env []string, key string, dirs ...string) []string {
	current, _ := lookupEnv(env, key)
	seen := make(map[string]bool)
	var parts []string
	for _, d := range append(dirs, filepath.SplitList(current)...) {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		parts = append(parts, d)
	}
	return setEnv(env, key, strings.Join(parts, string(os.PathListSeparator)))
}

// clearSourceDateEpoch removes SOURCE_DATE_EPOCH from this process and returns
// the resulting environment. Every child started for provisioning inherits it.
func clearSourceDateEpoch() []string {
	if _, ok := os.LookupEnv(sourceDateEpochVar); ok {
		debugf("Unsetting %s for virtualenv creation\n", sourceDateEpochVar)
		os.Unsetenv(sourceDateEpochVar)
	}
	return withoutEnv(os.Environ(), sourceDateEpochVar)
}

// lookPathIn is exec.LookPath against an explicit PATH value.
func lookPathIn(file, path string) (string, error) {
	if strings.ContainsRune(file, '/') {
		if isExecutable(file) {
			return file, nil
		}
		return "", os.ErrNotExist
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, file)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", errors.New("executable file not found in $PATH")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Mode().Perm()&0o111 != 0
}

// shellEnvironment composes the environment of the development shell.
func shellEnvironment(base []string, venvDir string, libDirs []string, platform Platform, shellName string, extra map[string]string) []string {
	env := withoutEnv(base, sourceDateEpochVar, "PYTHONHOME")
	env = setEnv(env, "VIRTUAL_ENV", venvDir)
	env = prependPathList(env, "PATH", filepath.Join(venvDir, "bin"))
	if len(libDirs) > 0 {
		env = prependPathList(env, libraryPathVar(platform), libDirs...)
	}
	env = setEnv(env, "SWIMDEV_SHELL", shellName)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = setEnv(env, k, extra[k])
	}
	return env
}
