package swimdev

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// buildJobs is the make parallelism: SWIMDEV_BUILD_JOBS, or by priority
// (normal, idle, superidle) from the number of CPUs.
func buildJobs(cfg *Config) int {
	if n, err := strconv.Atoi(cfg.Values["SWIMDEV_BUILD_JOBS"]); err == nil && n > 0 {
		return n
	}
	switch cfg.Values["SWIMDEV_BUILD_PRIORITY"] {
	case "idle":
		return max(runtime.NumCPU()/2, 1)
	case "superidle":
		return 1
	default:
		return runtime.NumCPU()
	}
}

// stripProgram removes symbols from outDir/bin/<program> with the target's
// strip. Failures are reported but never fail the build.
func stripProgram(outDir, program, stripTool string, execCtx *Executor) {
	bin := filepath.Join(outDir, "bin", program)
	if err := requireTools(execCtx.Env, stripTool); err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Not stripping %s: %v\n", program, err)
		return
	}

	if err := execCtx.Run(exec.Command(stripTool, bin)); err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Failed to strip %s: %v\n", program, err)
		return
	}
	debugf("Stripped %s\n", bin)
}
