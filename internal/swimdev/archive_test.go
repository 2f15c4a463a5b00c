package swimdev

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name, body string
	dir        bool
	link       string
}

func writeTar(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	tw := tar.NewWriter(f)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Mode: 0o777, Typeflag: tar.TypeSymlink, Linkname: e.link}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

func TestExtractArchive_StripsTopLevel(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "swim-1.0.tar")
	writeTar(t, archive, []tarEntry{
		{name: "swim-1.0/", dir: true},
		{name: "swim-1.0/main.f90", body: "program swim\nend\n"},
		{name: "swim-1.0/src/hydro.f90", body: "module hydro\nend\n"},
	})
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, extractArchive(archive, dest, true))
	assert.FileExists(t, filepath.Join(dest, "main.f90"))
	assert.FileExists(t, filepath.Join(dest, "src", "hydro.f90"))
	assert.NoDirExists(t, filepath.Join(dest, "swim-1.0"))
}

func TestExtractArchive_RejectsEscape(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "evil.tar")
	writeTar(t, archive, []tarEntry{{name: "../evil", body: "x"}})

	err := extractArchive(archive, filepath.Join(t.TempDir(), "out"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestExtractArchive_RejectsWriteThroughSymlink(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	outside := t.TempDir()
	archive := filepath.Join(t.TempDir(), "evil.tar")
	writeTar(t, archive, []tarEntry{
		{name: "link", link: outside},
		{name: "link/owned.txt", body: "x"},
	})

	// --- Act ---
	err := extractArchive(archive, filepath.Join(t.TempDir(), "out"), false)

	// --- Assert ---
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outside, "owned.txt"))
}

func TestExtractArchive_RejectsRelativeSymlinkEscape(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "evil.tar")
	writeTar(t, archive, []tarEntry{{name: "src/up", link: "../../etc"}})

	err := extractArchive(archive, filepath.Join(t.TempDir(), "out"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside destination")
}

func TestExtractArchive_RejectsSymlinkedParent(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "evil.tar")
	writeTar(t, archive, []tarEntry{
		{name: "sub/", dir: true},
		{name: "inner", link: "sub"},
		{name: "inner/f.f90", body: "x"},
	})
	dest := filepath.Join(t.TempDir(), "out")

	err := extractArchive(archive, dest, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
	assert.NoFileExists(t, filepath.Join(dest, "sub", "f.f90"))
}

func TestExtractArchive_KeepsInternalSymlinks(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "swim.tar")
	writeTar(t, archive, []tarEntry{
		{name: "bin/swim", body: "#!/bin/sh\n"},
		{name: "swim", link: "bin/swim"},
	})
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, extractArchive(archive, dest, false))
	target, err := os.Readlink(filepath.Join(dest, "swim"))
	require.NoError(t, err)
	assert.Equal(t, "bin/swim", target)
}

func TestPackDir_ExtractsBack(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "bin", "swim"), "#!/bin/sh\n")
	require.NoError(t, os.Chmod(filepath.Join(src, "bin", "swim"), 0o755))
	tarball := filepath.Join(t.TempDir(), "pack.tar.zst")

	// --- Act ---
	require.NoError(t, packDir(src, tarball))
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, extractArchive(tarball, dest, false))

	// --- Assert ---
	require.NoError(t, verifyOutput(dest, "swim"), "the executable bit survives the round trip")
}

func TestCompressXZ(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	raw := filepath.Join(dir, "build.log")
	writeFile(t, raw, "-> Building swim\n")

	require.NoError(t, compressXZ(raw, raw+".xz"))
	assert.NoFileExists(t, raw, "the uncompressed log is removed")

	data, err := readXZ(raw + ".xz")
	require.NoError(t, err)
	assert.Equal(t, "-> Building swim\n", string(data))
}

func TestResolveSource_LocalArchive(t *testing.T) {
	useTempCache(t)

	// --- Arrange ---
	project := t.TempDir()
	writeTar(t, filepath.Join(project, "swim.tar"), []tarEntry{
		{name: "swim/main.f90", body: "program swim\nend\n"},
	})
	sum, err := hashFile(filepath.Join(project, "swim.tar"))
	require.NoError(t, err)

	// --- Act ---
	dir, err := resolveSource(context.Background(), "swim.tar", sum, project, NewExecutor(context.Background()))

	// --- Assert ---
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "main.f90"))

	again, err := resolveSource(context.Background(), "swim.tar", "", project, NewExecutor(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, dir, again, "an unchanged archive reuses the unpacked tree")
}

func TestResolveSource_ChecksumMismatch(t *testing.T) {
	useTempCache(t)
	project := t.TempDir()
	writeTar(t, filepath.Join(project, "swim.tar"), []tarEntry{{name: "main.f90", body: "x"}})

	_, err := resolveSource(context.Background(), "swim.tar", "deadbeef", project, NewExecutor(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestResolveSource_Kinds(t *testing.T) {
	useTempCache(t)
	ctx := context.Background()
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "swim", "main.f90"), "")

	_, err := resolveSource(ctx, "", "", project, NewExecutor(ctx))
	require.ErrorIs(t, err, ErrNoSource)

	_, err = resolveSource(ctx, "missing", "", project, NewExecutor(ctx))
	require.ErrorIs(t, err, ErrNoSource)

	dir, err := resolveSource(ctx, "swim", "", project, NewExecutor(ctx))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, "swim"), dir)

	assert.Equal(t, SourceGit, classifySource("git+https://example.org/swim.git#v1"))
	assert.Equal(t, SourceArchive, classifySource("https://example.org/swim.tar.gz"))
	assert.Equal(t, SourceArchive, classifySource("vendor/swim.tar.zst"))
	assert.Equal(t, SourceLocal, classifySource("./swim"))
}
