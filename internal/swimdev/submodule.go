package swimdev

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// missingSubmodules returns the submodule paths that are absent or empty.
func missingSubmodules(projectDir string, paths []string) ([]string, error) {
	var missing []string
	for _, p := range paths {
		present, err := dirHasEntries(filepath.Join(projectDir, p))
		if err != nil {
			return nil, fmt.Errorf("submodule %s: %w", p, err)
		}
		if !present {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// ensureSubmodules checks out every absent submodule with one
// `git submodule update --init` call. Present submodules are left untouched,
// so repeated calls are no-ops. It returns the paths that were fetched.
func ensureSubmodules(projectDir string, paths []string, execCtx *Executor) ([]string, error) {
	missing, err := missingSubmodules(projectDir, paths)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		debugf("All %d submodules present\n", len(paths))
		return nil, nil
	}

	step("Checking out submodules: %v", missing)
	args := append([]string{"-C", projectDir, "submodule", "update", "--init", "--"}, missing...)
	if err := execCtx.Run(exec.Command("git", args...)); err != nil {
		return nil, fmt.Errorf("failed to check out submodules %v: %w", missing, err)
	}

	still, err := missingSubmodules(projectDir, missing)
	if err != nil {
		return nil, err
	}
	if len(still) > 0 {
		return nil, fmt.Errorf("submodules still missing after update: %v", still)
	}
	return missing, nil
}
