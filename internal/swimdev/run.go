package swimdev

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// RunOptions controls a model run.
type RunOptions struct {
	Binary     string // explicit model binary; empty resolves it
	ProjectDir string // model project directory passed to the binary
	Quiet      bool   // discard the model's stdout
}

// resolveModelBinary picks the program to run: an explicit path, the
// published result link of the default package, or the program on PATH.
func resolveModelBinary(m *Manifest, explicit, outLink string) (string, error) {
	if explicit != "" {
		if !isExecutable(explicit) {
			return "", fmt.Errorf("%w: %s is not an executable file", ErrBinaryMissing, explicit)
		}
		return explicit, nil
	}

	program := "swim"
	if m != nil {
		if pkg, err := m.Package("default"); err == nil {
			program = pkg.Program
		}
		if outLink == "" {
			outLink = "result"
		}
		candidate := filepath.Join(m.Resolve(outLink), "bin", program)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("%w: %s (run 'swimdev build' first)", ErrBinaryMissing, program)
	}
	return path, nil
}

// runModel executes `<binary> <projectdir>/` and reports the elapsed time.
// Model stdout goes to out unless opts.Quiet is set; stderr is always shown.
func runModel(opts RunOptions, out io.Writer, execCtx *Executor) (time.Duration, error) {
	info, err := os.Stat(opts.ProjectDir)
	if err != nil {
		return 0, fmt.Errorf("project directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("project directory %s is not a directory", opts.ProjectDir)
	}

	// The model reads its input paths relative to the trailing-slash project argument.
	arg := strings.TrimRight(opts.ProjectDir, "/") + "/"

	cmd := exec.Command(opts.Binary, arg)
	if opts.Quiet {
		cmd.Stdout = io.Discard
	} else if out != nil {
		cmd.Stdout = out
	}

	start := time.Now()
	err = execCtx.Run(cmd)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("model run failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}
	return elapsed, nil
}
