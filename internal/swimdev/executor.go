package swimdev

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Executor runs external toolchain commands (compilers, git, python, pip) with a
// shared cancellation context and a controlled environment.
type Executor struct {
	Context     context.Context // The context to use for cancellation
	Env         []string        // Env replaces os.Environ() for every command when non-nil
	Interactive bool            // Interactive keeps the child in our process group so it owns the TTY
	Stdout      io.Writer       // Optional default stdout (e.g. build log writer)
	Stderr      io.Writer       // Optional default stderr
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// With returns a copy of the executor with env and output writers replaced.
func (e *Executor) With(env []string, out io.Writer) *Executor {
	clone := *e
	clone.Env = env
	clone.Stdout = out
	clone.Stderr = out
	return &clone
}

// Run executes the given command. It wires up stdio, isolates the child in its
// own process group and kills the whole group when the context is cancelled.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdin == nil && e.Interactive {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = e.Stdout
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.Stderr
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}

	// --- Phase 1: build the final command ---
	finalCmd := exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	switch {
	case len(cmd.Env) > 0:
		finalCmd.Env = cmd.Env
	case e.Env != nil:
		finalCmd.Env = e.Env
	default:
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// --- Phase 2: isolate process group for context-based cleanup ---
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	debugf("exec: %s (dir=%s)\n", strings.Join(finalCmd.Args, " "), finalCmd.Dir)

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Args[0], err)
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return fmt.Errorf("%s failed: %w", cmd.Args[0], waitErr)
	}
	return nil
}

// Output runs the command and returns its trimmed stdout.
func (e *Executor) Output(cmd *exec.Cmd) (string, error) {
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := e.Run(cmd); err != nil {
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// requireTools fails with ErrToolMissing for the first tool not found in PATH.
// The PATH used is taken from env when it carries one.
func requireTools(env []string, tools ...string) error {
	path := os.Getenv("PATH")
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	for _, tool := range tools {
		if tool == "" {
			continue
		}
		if _, err := lookPathIn(tool, path); err != nil {
			return fmt.Errorf("%w: %s", ErrToolMissing, tool)
		}
	}
	return nil
}
