package swimdev

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type buildFixture struct {
	project string
	fcLog   string
	m       *Manifest
	cfg     *Config
	exec    *Executor
}

func newBuildFixture(t *testing.T, systems string, pkgBody string) *buildFixture {
	t.Helper()
	useTempCache(t)
	bin := fakeToolDir(t)
	writeTool(t, bin, "gfortran", fakeGfortran)

	f := &buildFixture{
		project: t.TempDir(),
		fcLog:   filepath.Join(t.TempDir(), "fc.log"),
		cfg:     &Config{Values: map[string]string{}},
		exec:    NewExecutor(context.Background()),
	}
	t.Setenv("FC_LOG", f.fcLog)
	writeFile(t, filepath.Join(f.project, "swim", "main.f90"), "program swim\nend program swim\n")
	writeFile(t, filepath.Join(f.project, "swim", "hydro.f90"), "module hydro\nend module hydro\n")
	f.m = writeManifest(t, f.project, "systems = ["+systems+"]\npackage \"swim\" {\n"+pkgBody+"\n}\n")
	return f
}

func (f *buildFixture) compilerCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.fcLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPkgBuild_ProducesBinaryAndResult(t *testing.T) {
	host := hostPlatformOrSkip(t)

	// --- Arrange ---
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"
flags = ["-O2"]`)
	link := filepath.Join(f.project, "result")

	// --- Act ---
	res, err := pkgBuild(f.m, BuildOptions{Platform: host, OutLink: link, Quiet: true}, f.cfg, f.exec)

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, filepath.Join(res.StorePath, "bin", "swim"), res.Binary)
	require.NoError(t, verifyOutput(res.StorePath, "swim"))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, res.StorePath, target)

	out, err := exec.Command(filepath.Join(link, "bin", "swim"), "proj/").Output()
	require.NoError(t, err)
	assert.Equal(t, "swim ran proj/\n", string(out))

	calls := f.compilerCalls(t)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "-O2 -o swim hydro.f90 main.f90", "sources are compiled in one sorted invocation")

	info, err := readStoreInfo(res.StorePath)
	require.NoError(t, err)
	assert.Equal(t, host.String(), info.System)
	assert.Equal(t, "gfortran", info.Compiler)

	assert.FileExists(t, res.LogPath)
	logData, err := readXZ(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "compiled swim")
}

func TestPkgBuild_SecondBuildIsCached(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)
	opts := BuildOptions{Platform: host, OutLink: filepath.Join(f.project, "result"), Quiet: true}

	first, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	second, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.StorePath, second.StorePath)
	assert.Len(t, f.compilerCalls(t), 1, "an unchanged source tree is not recompiled")

	opts.Rebuild = true
	_, err = pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	assert.Len(t, f.compilerCalls(t), 2)
}

func TestPkgBuild_SourceChangeNewStorePath(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)
	link := filepath.Join(f.project, "result")
	opts := BuildOptions{Platform: host, OutLink: link, Quiet: true}

	first, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)

	writeFile(t, filepath.Join(f.project, "swim", "main.f90"), "program swim\n! v2\nend program swim\n")
	second, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)

	assert.NotEqual(t, first.StorePath, second.StorePath)
	assert.DirExists(t, first.StorePath, "older store paths stay intact")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, second.StorePath, target)
}

func TestPkgBuild_SourceInsideProjectIsStable(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "."`)
	opts := BuildOptions{Platform: host, OutLink: filepath.Join(f.project, "result"), Quiet: true}

	// project root holds the Fortran files for this case
	writeFile(t, filepath.Join(f.project, "main.f90"), "program swim\nend program swim\n")

	first, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	second, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	assert.Equal(t, first.StorePath, second.StorePath, "the result link does not feed back into the hash")
	assert.True(t, second.Cached)
}

func TestPkgBuild_NoSource(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = null`)
	link := filepath.Join(f.project, "result")

	_, err := pkgBuild(f.m, BuildOptions{Platform: host, OutLink: link, Quiet: true}, f.cfg, f.exec)

	require.ErrorIs(t, err, ErrNoSource)
	assert.NoFileExists(t, link)
	assert.Empty(t, f.compilerCalls(t))
}

func TestPkgBuild_SourceOverride(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, ``)
	alt := t.TempDir()
	writeFile(t, filepath.Join(alt, "model.f90"), "program swim\nend\n")

	res, err := pkgBuild(f.m, BuildOptions{Platform: host, Source: alt, Quiet: true}, f.cfg, f.exec)
	require.NoError(t, err)
	require.NoError(t, verifyOutput(res.StorePath, "swim"))
	assert.NoFileExists(t, filepath.Join(f.project, "result"), "an empty out link publishes nothing")
}

func TestPkgBuild_MissingBinaryLeavesNoResult(t *testing.T) {
	host := hostPlatformOrSkip(t)

	// --- Arrange ---
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"
build_command = "echo pretending to build"`)
	link := filepath.Join(f.project, "result")

	// --- Act ---
	_, err := pkgBuild(f.m, BuildOptions{Platform: host, OutLink: link, Quiet: true}, f.cfg, f.exec)

	// --- Assert ---
	require.ErrorIs(t, err, ErrBinaryMissing)
	assert.NoFileExists(t, link)
	entries, err := listStore()
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is committed to the store")
	staging, _ := filepath.Glob(filepath.Join(CacheDir, "tmp", "swim-*"))
	assert.Empty(t, staging, "the staging directory is discarded")
}

func TestPkgBuild_FailedCompileKeepsPreviousResult(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)
	link := filepath.Join(f.project, "result")
	opts := BuildOptions{Platform: host, OutLink: link, Quiet: true}

	good, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)

	writeTool(t, filepath.Dir(mustLookPath(t, "gfortran")), "gfortran", "echo 'error: syntax' >&2\nexit 1\n")
	writeFile(t, filepath.Join(f.project, "swim", "main.f90"), "program swim\n broken\n")

	_, err = pkgBuild(f.m, opts, f.cfg, f.exec)
	require.Error(t, err)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, good.StorePath, target, "a failed build leaves the previous result in place")
}

func TestPkgBuild_FailedRebuildKeepsPreviousOutput(t *testing.T) {
	host := hostPlatformOrSkip(t)

	// --- Arrange ---
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)
	link := filepath.Join(f.project, "result")
	opts := BuildOptions{Platform: host, OutLink: link, Quiet: true}

	good, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	writeTool(t, filepath.Dir(mustLookPath(t, "gfortran")), "gfortran", "exit 1\n")

	// --- Act ---
	opts.Rebuild = true
	_, err = pkgBuild(f.m, opts, f.cfg, f.exec)

	// --- Assert ---
	require.Error(t, err)
	require.NoError(t, verifyOutput(good.StorePath, "swim"), "the previous output survives a failed rebuild")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, good.StorePath, target)
	out, err := exec.Command(filepath.Join(link, "bin", "swim"), "p/").Output()
	require.NoError(t, err)
	assert.Equal(t, "swim ran p/\n", string(out))

	staged, err := os.ReadDir(filepath.Join(CacheDir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestPkgBuild_SuccessfulRebuildReplacesOutput(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)
	opts := BuildOptions{Platform: host, Quiet: true}

	first, err := pkgBuild(f.m, opts, f.cfg, f.exec)
	require.NoError(t, err)
	writeFile(t, filepath.Join(first.StorePath, "stale"), "")

	opts.Rebuild = true
	second, err := pkgBuild(f.m, opts, f.cfg, f.exec)

	require.NoError(t, err)
	assert.Equal(t, first.StorePath, second.StorePath)
	require.NoError(t, verifyOutput(second.StorePath, "swim"))
	assert.NoFileExists(t, filepath.Join(second.StorePath, "stale"))
}

func TestPkgBuild_BuildCommandInstallsIntoOut(t *testing.T) {
	host := hostPlatformOrSkip(t)
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"
flags = ["-O1"]
build_command = "printf '#!/bin/sh\\necho %s\\n' \"$FFLAGS\" > $OUT/bin/$PROGRAM"`)

	res, err := pkgBuild(f.m, BuildOptions{Platform: host, Quiet: true}, f.cfg, f.exec)
	require.NoError(t, err)

	out, err := exec.Command(res.Binary).Output()
	require.NoError(t, err)
	assert.Equal(t, "-O1\n", string(out))
}

func TestPkgBuild_CrossCompilerPrefix(t *testing.T) {
	host := hostPlatformOrSkip(t)
	var target Platform
	for _, p := range SupportedPlatforms {
		if p != host {
			target = p
			break
		}
	}

	// --- Arrange ---
	f := newBuildFixture(t, `"`+host.String()+`", "`+target.String()+`"`, `source = "swim"`)
	bin := filepath.Dir(mustLookPath(t, "gfortran"))
	writeTool(t, bin, TargetPrefix(host, target)+"gfortran", fakeGfortran)

	// --- Act ---
	res, err := pkgBuild(f.m, BuildOptions{Platform: target, Quiet: true}, f.cfg, f.exec)

	// --- Assert ---
	require.NoError(t, err)
	info, err := readStoreInfo(res.StorePath)
	require.NoError(t, err)
	assert.Equal(t, target.String(), info.System)
	assert.Equal(t, TargetPrefix(host, target)+"gfortran", info.Compiler)
	assert.Contains(t, f.compilerCalls(t)[0], TargetPrefix(host, target)+"gfortran")

	// an override prefix replaces the derived one
	f.cfg.Values["SWIMDEV_CROSS_PREFIX"] = "mycross-"
	writeTool(t, bin, "mycross-gfortran", fakeGfortran)
	res2, err := pkgBuild(f.m, BuildOptions{Platform: target, Quiet: true}, f.cfg, f.exec)
	require.NoError(t, err)
	assert.NotEqual(t, res.StorePath, res2.StorePath, "the compiler is part of the store hash")
}

func TestPkgBuild_UnlistedPlatform(t *testing.T) {
	host := hostPlatformOrSkip(t)
	var other Platform
	for _, p := range SupportedPlatforms {
		if p != host {
			other = p
			break
		}
	}
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"`)

	_, err := pkgBuild(f.m, BuildOptions{Platform: other, Quiet: true}, f.cfg, f.exec)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestBuildEnv(t *testing.T) {
	t.Parallel()

	pkg := &PackageSpec{Name: "swim", Program: "swim", Flags: []string{"-O2", "-g"}}
	env := buildEnv([]string{"PATH=/bin", "FC=f77"}, "gfortran", pkg, Platform{Arch: "x86_64", OS: "linux"}, "/out", 3)

	fc, _ := lookupEnv(env, "FC")
	assert.Equal(t, "gfortran", fc)
	flags, _ := lookupEnv(env, "FFLAGS")
	assert.Equal(t, "-O2 -g", flags)
	sys, _ := lookupEnv(env, "SWIMDEV_SYSTEM")
	assert.Equal(t, "x86_64-linux", sys)
	out, _ := lookupEnv(env, "OUT")
	assert.Equal(t, "/out", out)
	mk, _ := lookupEnv(env, "MAKEFLAGS")
	assert.Equal(t, "-j3", mk)
	assert.NotContains(t, env, "FC=f77")
}

func TestBuildJobs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, buildJobs(&Config{Values: map[string]string{"SWIMDEV_BUILD_JOBS": "5"}}))
	assert.Equal(t, 1, buildJobs(&Config{Values: map[string]string{"SWIMDEV_BUILD_PRIORITY": "superidle"}}))
	assert.GreaterOrEqual(t, buildJobs(&Config{Values: map[string]string{"SWIMDEV_BUILD_PRIORITY": "idle"}}), 1)
	assert.Equal(t, runtime.NumCPU(), buildJobs(&Config{Values: map[string]string{"SWIMDEV_BUILD_JOBS": "zero"}}))
}

func mustLookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	require.NoError(t, err)
	return p
}

func TestPkgBuild_StripRunsTargetStrip(t *testing.T) {
	host := hostPlatformOrSkip(t)

	// --- Arrange ---
	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"
strip = true`)
	stripLog := filepath.Join(t.TempDir(), "strip.log")
	t.Setenv("STRIP_LOG", stripLog)
	bin := fakeToolDir(t)
	writeTool(t, bin, "strip", `echo "$@" >> "$STRIP_LOG"`)

	// --- Act ---
	res, err := pkgBuild(f.m, BuildOptions{Platform: host, Quiet: true}, f.cfg, f.exec)

	// --- Assert ---
	require.NoError(t, err)
	data, err := os.ReadFile(stripLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join("out", "bin", "swim"))
	require.NoError(t, verifyOutput(res.StorePath, "swim"))
}

func TestPkgBuild_StripFailureOnlyWarns(t *testing.T) {
	host := hostPlatformOrSkip(t)

	f := newBuildFixture(t, `"`+host.String()+`"`, `source = "swim"
strip = true`)
	bin := fakeToolDir(t)
	writeTool(t, bin, "strip", "exit 1")

	res, err := pkgBuild(f.m, BuildOptions{Platform: host, Quiet: true}, f.cfg, f.exec)

	require.NoError(t, err)
	require.NoError(t, verifyOutput(res.StorePath, "swim"))
}
