package swimdev

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePython answers the version query and implements `-m venv <dir>` by
// creating bin/python and a bin/pip that logs its arguments to $PIP_LOG. The
// environment seen by venv creation is written to $VENV_ENV_LOG.
const fakePython = `if [ "$1" = "-c" ]; then
  echo "${FAKE_PY_VERSION:-3.11.6}"
  exit 0
fi
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  env > "${VENV_ENV_LOG:-/dev/null}"
  mkdir -p "$3/bin"
  printf '#!/bin/sh\necho "$@" >> "$PIP_LOG"\n' > "$3/bin/pip"
  printf '#!/bin/sh\nexit 0\n' > "$3/bin/python"
  chmod +x "$3/bin/pip" "$3/bin/python"
  exit 0
fi
echo "unexpected python invocation: $@" >&2
exit 1
`

type venvFixture struct {
	project string
	pipLog  string
	envLog  string
	exec    *Executor
}

func newVenvFixture(t *testing.T) *venvFixture {
	t.Helper()
	bin := fakeToolDir(t)
	writeTool(t, bin, "python3", fakePython)

	logs := t.TempDir()
	f := &venvFixture{
		project: t.TempDir(),
		pipLog:  filepath.Join(logs, "pip.log"),
		envLog:  filepath.Join(logs, "venv.env"),
		exec:    NewExecutor(context.Background()),
	}
	t.Setenv("PIP_LOG", f.pipLog)
	t.Setenv("VENV_ENV_LOG", f.envLog)
	return f
}

func (f *venvFixture) pipCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.pipLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPythonVersion(t *testing.T) {
	f := newVenvFixture(t)
	t.Setenv("FAKE_PY_VERSION", "3.12.1")

	v, err := pythonVersion("python3", f.exec)
	require.NoError(t, err)
	assert.Equal(t, "3.12.1", v)
	assert.Equal(t, ".venv3.12.1", venvDirName(v))

	t.Setenv("FAKE_PY_VERSION", "")
	writeTool(t, filepath.Dir(mustLookPath(t, "python3")), "python3", "echo\n")
	_, err = pythonVersion("python3", f.exec)
	assert.Error(t, err)
}

func TestEnsureVenv_CreatesOnce(t *testing.T) {
	f := newVenvFixture(t)

	dir, created, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, filepath.Join(f.project, ".venv3.11.6"), dir)
	assert.True(t, isExecutable(filepath.Join(dir, "bin", "python")))

	again, created, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, dir, again)
}

func TestEnsureVenv_RecreatesIncomplete(t *testing.T) {
	f := newVenvFixture(t)
	writeFile(t, filepath.Join(f.project, ".venv3.11.6", "junk"), "")

	dir, created, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoFileExists(t, filepath.Join(dir, "junk"))
}

func TestEnsureVenv_RefusesSourceDateEpoch(t *testing.T) {
	f := newVenvFixture(t)
	execCtx := f.exec.With([]string{"PATH=" + os.Getenv("PATH"), "SOURCE_DATE_EPOCH=315532800"}, nil)

	_, _, err := ensureVenv(f.project, "python3", "3.11.6", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), sourceDateEpochVar)
	assert.NoDirExists(t, filepath.Join(f.project, ".venv3.11.6"))
}

func TestInstallDependencies_Idempotent(t *testing.T) {
	// --- Arrange ---
	f := newVenvFixture(t)
	venv, _, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	req := filepath.Join(f.project, "requirements.txt")
	writeFile(t, req, "numpy\npandas\n")
	writeFile(t, filepath.Join(f.project, "setup.py"), "from setuptools import setup\nsetup()\n")

	// --- Act ---
	ran, err := installDependencies(f.project, venv, "3.11.6", []string{req}, true, f.exec)

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{
		"install -r " + req,
		"install -e " + f.project,
	}, f.pipCalls(t), "dependencies are installed before the project itself")

	ran, err = installDependencies(f.project, venv, "3.11.6", []string{req}, true, f.exec)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, f.pipCalls(t), 2, "an unchanged environment runs no pip command")

	writeFile(t, req, "numpy\npandas\nscipy\n")
	ran, err = installDependencies(f.project, venv, "3.11.6", []string{req}, true, f.exec)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, f.pipCalls(t), 4)

	writeFile(t, filepath.Join(f.project, "setup.py"), "from setuptools import setup\nsetup(name='swimpy')\n")
	ran, err = installDependencies(f.project, venv, "3.11.6", []string{req}, true, f.exec)
	require.NoError(t, err)
	assert.True(t, ran, "project metadata feeds the install stamp")
}

func TestInstallDependencies_NotEditable(t *testing.T) {
	f := newVenvFixture(t)
	venv, _, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	req := filepath.Join(f.project, "requirements.txt")
	writeFile(t, req, "numpy\n")

	_, err = installDependencies(f.project, venv, "3.11.6", []string{req}, false, f.exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"install -r " + req}, f.pipCalls(t))
}

func TestInstallDependencies_MissingManifest(t *testing.T) {
	f := newVenvFixture(t)
	venv, _, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)

	_, err = installDependencies(f.project, venv, "3.11.6", []string{filepath.Join(f.project, "requirements.txt")}, true, f.exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requirements.txt")
	assert.Empty(t, f.pipCalls(t))
}

func TestInstallDependencies_PipFailureKeepsStampUnwritten(t *testing.T) {
	f := newVenvFixture(t)
	venv, _, err := ensureVenv(f.project, "python3", "3.11.6", f.exec)
	require.NoError(t, err)
	req := filepath.Join(f.project, "requirements.txt")
	writeFile(t, req, "numpy\n")
	writeTool(t, filepath.Join(venv, "bin"), "pip", "exit 1\n")

	_, err = installDependencies(f.project, venv, "3.11.6", []string{req}, true, f.exec)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(venv, stampName))
}
