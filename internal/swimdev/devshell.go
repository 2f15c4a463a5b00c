package swimdev

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ShellOptions controls provisioning and entry of a development shell.
type ShellOptions struct {
	Name     string   // devshell name, "" selects "default"
	Platform Platform // must match the host
	Recreate bool     // remove the virtualenv before provisioning
	Command  string   // run this instead of an interactive shell
}

// Environment is the provisioned state handed to the shell.
type Environment struct {
	ShellName         string
	ProjectDir        string
	PythonVersion     string
	VenvDir           string
	VenvCreated       bool
	Installed         bool // pip ran during this provisioning
	FetchedSubmodules []string
	LibraryDirs       []string
	Env               []string
}

// runtimeLibraryDirs returns the directories holding the C++ standard-library
// runtime that natively compiled wheels (and tools bundling them) load at runtime.
func runtimeLibraryDirs(m *Manifest, shell *DevShellSpec, platform Platform, execCtx *Executor) ([]string, error) {
	if len(shell.LibraryPath) > 0 {
		dirs := make([]string, 0, len(shell.LibraryPath))
		for _, d := range shell.LibraryPath {
			dirs = append(dirs, m.Resolve(d))
		}
		return dirs, nil
	}

	cc := shell.CC
	if cc == "" {
		cc = "cc"
	}
	lib := "libstdc++.so.6"
	if platform.OS == "darwin" {
		lib = "libc++.dylib"
	}
	if err := requireTools(execCtx.Env, cc); err != nil {
		return nil, fmt.Errorf("cannot locate %s: %w", lib, err)
	}
	out, err := execCtx.Output(exec.Command(cc, "-print-file-name="+lib))
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", lib, err)
	}
	if !filepath.IsAbs(out) {
		// The compiler echoes the bare name back when it cannot find the library.
		colArrow.Print("-> ")
		colWarn.Printf("%s not found by %s, %s left unchanged\n", lib, cc, libraryPathVar(platform))
		return nil, nil
	}
	return []string{filepath.Dir(out)}, nil
}

// provisionShell runs the idempotent setup sequence:
// submodules, virtualenv, dependency install, editable install, library path.
func provisionShell(m *Manifest, opts ShellOptions, execCtx *Executor) (*Environment, error) {
	shell, err := m.DevShell(opts.Name)
	if err != nil {
		return nil, err
	}
	if !m.Supports(opts.Platform) {
		return nil, fmt.Errorf("%w: %s is not listed in %s", ErrUnsupportedPlatform, opts.Platform, m.Path)
	}
	if host := HostPlatform(); host != opts.Platform {
		return nil, fmt.Errorf("devshell for %s cannot be entered on %s", opts.Platform, host)
	}

	base := clearSourceDateEpoch()
	provExec := execCtx.With(base, nil)

	tools := []string{shell.Python}
	if len(shell.Submodules) > 0 {
		tools = append(tools, "git")
	}
	tools = append(tools, shell.RequireTools...)
	if err := requireTools(base, tools...); err != nil {
		return nil, err
	}

	envr := &Environment{ShellName: shell.Name, ProjectDir: m.Dir}

	// 1. submodules must be present before any dependency install
	fetched, err := ensureSubmodules(m.Dir, shell.Submodules, provExec)
	if err != nil {
		return nil, err
	}
	envr.FetchedSubmodules = fetched

	// 2. virtualenv
	version, err := pythonVersion(shell.Python, provExec)
	if err != nil {
		return nil, err
	}
	envr.PythonVersion = version
	if opts.Recreate {
		dir := filepath.Join(m.Dir, venvDirName(version))
		step("Removing virtualenv %s", filepath.Base(dir))
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to remove virtualenv: %w", err)
		}
	}
	venvDir, created, err := ensureVenv(m.Dir, shell.Python, version, provExec)
	if err != nil {
		return nil, err
	}
	envr.VenvDir = venvDir
	envr.VenvCreated = created

	// 3+4. dependencies, then the project itself
	requirements := make([]string, 0, len(shell.Requirements))
	for _, r := range shell.Requirements {
		requirements = append(requirements, m.Resolve(r))
	}
	venvExec := provExec.With(shellEnvironment(base, venvDir, nil, opts.Platform, shell.Name, nil), nil)
	installed, err := installDependencies(m.Dir, venvDir, version, requirements, shell.InstallEditable(), venvExec)
	if err != nil {
		return nil, err
	}
	envr.Installed = installed

	// 5. runtime library path
	libDirs, err := runtimeLibraryDirs(m, shell, opts.Platform, provExec)
	if err != nil {
		return nil, err
	}
	envr.LibraryDirs = libDirs

	extra := make(map[string]string, len(shell.Env))
	for k, v := range shell.Env {
		extra[k] = v
	}
	envr.Env = shellEnvironment(base, venvDir, libDirs, opts.Platform, shell.Name, extra)
	return envr, nil
}

// enterShell starts the user's shell (or opts.Command) inside the environment.
func enterShell(envr *Environment, opts ShellOptions, cfg *Config, execCtx *Executor) error {
	var cmd *exec.Cmd
	if opts.Command != "" {
		cmd = exec.Command("/bin/sh", "-c", opts.Command)
	} else {
		shellPath := cfg.Get("SWIMDEV_SHELL_PROGRAM", os.Getenv("SHELL"))
		if shellPath == "" {
			shellPath = "/bin/sh"
		}
		step("Entering devshell %s (%s)", envr.ShellName, filepath.Base(envr.VenvDir))
		cmd = exec.Command(shellPath)
	}
	cmd.Dir = envr.ProjectDir
	cmd.Env = envr.Env

	shellExec := *execCtx
	shellExec.Interactive = true
	return shellExec.Run(cmd)
}
