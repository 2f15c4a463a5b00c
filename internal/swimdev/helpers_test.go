package swimdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// useTempCache points the cache globals at a fresh directory for one test.
func useTempCache(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cache, store, sources, logs, roots, tmp, manifest, debug := CacheDir, StoreDir, SourcesDir, LogDir, GCRootsDir, tmpDir, ManifestName, Debug
	t.Cleanup(func() {
		CacheDir, StoreDir, SourcesDir, LogDir, GCRootsDir, tmpDir, ManifestName, Debug = cache, store, sources, logs, roots, tmp, manifest, debug
	})

	CacheDir = dir
	StoreDir = filepath.Join(dir, "store")
	SourcesDir = filepath.Join(dir, "sources")
	LogDir = filepath.Join(dir, "logs")
	GCRootsDir = filepath.Join(dir, "gcroots")
	tmpDir = filepath.Join(dir, "tmp")
	ManifestName = "swimdev.hcl"
	return dir
}

// writeFile creates path (and its parents) with content.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// writeTool writes an executable shell script into dir.
func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeToolDir creates a directory for fake tools and puts it first on PATH.
func fakeToolDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

// hostPlatformOrSkip returns the host platform when it is a supported system.
func hostPlatformOrSkip(t *testing.T) Platform {
	t.Helper()
	host, err := ParsePlatform(HostPlatform().String())
	if err != nil {
		t.Skipf("host %s is not a supported system", HostPlatform())
	}
	return host
}

// writeManifest writes swimdev.hcl into dir and loads it.
func writeManifest(t *testing.T, dir, content string) *Manifest {
	t.Helper()
	writeFile(t, filepath.Join(dir, "swimdev.hcl"), content)
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	return m
}

// fakeGfortran compiles by writing a shell script to the -o target and logs
// its arguments to $FC_LOG.
const fakeGfortran = `echo "$0 $@" >> "$FC_LOG"
out=a.out
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
printf '#!/bin/sh\necho swim ran "$@"\n' > "$out"
chmod +x "$out"
echo "compiled $out"
`

// chdir changes the working directory for one test and restores it on
// cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
