package swimdev

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const stampName = ".swimdev-stamp"

// projectMetadataFiles feed the install stamp when the project is installed editable.
var projectMetadataFiles = []string{"setup.py", "setup.cfg", "pyproject.toml"}

// venvDirName is the version-qualified virtualenv directory, e.g. .venv3.11.6.
func venvDirName(pythonVersion string) string {
	return ".venv" + pythonVersion
}

// pythonVersion asks the interpreter for its full version string.
func pythonVersion(python string, execCtx *Executor) (string, error) {
	out, err := execCtx.Output(exec.Command(python, "-c", "import platform; print(platform.python_version())"))
	if err != nil {
		return "", fmt.Errorf("failed to query %s version: %w", python, err)
	}
	v := strings.TrimSpace(out)
	if v == "" || strings.ContainsAny(v, " /\n") {
		return "", fmt.Errorf("unexpected version string from %s: %q", python, out)
	}
	return v, nil
}

// ensureVenv creates <projectDir>/.venv<version> unless a usable one exists.
// The environment used for creation must not carry SOURCE_DATE_EPOCH.
func ensureVenv(projectDir, python, version string, execCtx *Executor) (string, bool, error) {
	dir := filepath.Join(projectDir, venvDirName(version))
	if isExecutable(filepath.Join(dir, "bin", "python")) {
		debugf("Virtualenv %s already present\n", dir)
		return dir, false, nil
	}
	if fileExists(dir) {
		colArrow.Print("-> ")
		colWarn.Printf("Virtualenv %s is incomplete, recreating\n", filepath.Base(dir))
		if err := os.RemoveAll(dir); err != nil {
			return "", false, err
		}
	}

	env := execCtx.Env
	if env == nil {
		env = os.Environ()
	}
	if _, ok := lookupEnv(env, sourceDateEpochVar); ok {
		return "", false, fmt.Errorf("%s must be unset before creating a virtualenv", sourceDateEpochVar)
	}

	step("Creating virtualenv %s", filepath.Base(dir))
	cmd := exec.Command(python, "-m", "venv", dir)
	cmd.Dir = projectDir
	if err := execCtx.Run(cmd); err != nil {
		return "", false, fmt.Errorf("failed to create virtualenv: %w", err)
	}
	return dir, true, nil
}

// installStamp digests everything that determines the installed state.
func installStamp(projectDir, version string, requirements []string, editable bool) (string, error) {
	files := append([]string{}, requirements...)
	if editable {
		for _, f := range projectMetadataFiles {
			files = append(files, filepath.Join(projectDir, f))
		}
	}
	digest, err := hashFiles(files...)
	if err != nil {
		return "", err
	}
	return hashString(fmt.Sprintf("python=%s\neditable=%t\nfiles=%s", version, editable, digest)), nil
}

// installDependencies installs the dependency manifests and then the project
// itself (editable) into venvDir. Nothing runs when the stamp from a previous
// successful install still matches. It reports whether pip was invoked.
func installDependencies(projectDir, venvDir, version string, requirements []string, editable bool, execCtx *Executor) (bool, error) {
	for _, r := range requirements {
		if !fileExists(r) {
			return false, fmt.Errorf("dependency manifest %s not found", r)
		}
	}

	stamp, err := installStamp(projectDir, version, requirements, editable)
	if err != nil {
		return false, err
	}
	stampPath := filepath.Join(venvDir, stampName)
	if old, err := os.ReadFile(stampPath); err == nil && strings.TrimSpace(string(old)) == stamp {
		debugf("Install stamp matches, skipping pip\n")
		return false, nil
	}

	pip := filepath.Join(venvDir, "bin", "pip")
	if len(requirements) > 0 {
		step("Installing dependencies")
		args := []string{"install"}
		for _, r := range requirements {
			args = append(args, "-r", r)
		}
		cmd := exec.Command(pip, args...)
		cmd.Dir = projectDir
		if err := execCtx.Run(cmd); err != nil {
			return true, fmt.Errorf("failed to install dependencies: %w", err)
		}
	}

	if editable {
		step("Installing project in development mode")
		cmd := exec.Command(pip, "install", "-e", projectDir)
		cmd.Dir = projectDir
		if err := execCtx.Run(cmd); err != nil {
			return true, fmt.Errorf("failed to install project: %w", err)
		}
	}

	if err := os.WriteFile(stampPath, []byte(stamp+"\n"), 0o644); err != nil {
		return true, fmt.Errorf("failed to write install stamp: %w", err)
	}
	return true, nil
}
