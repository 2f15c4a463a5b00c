package swimdev

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// liveStorePaths resolves every gc root to the store path its result link
// currently points at. Roots whose link was removed or replaced by something
// other than a symlink are dropped. An unreadable roots directory is an error,
// so nothing is collected without knowing what is live.
func liveStorePaths() (map[string]bool, error) {
	entries, err := os.ReadDir(GCRootsDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read gc roots: %w", err)
	}
	live := make(map[string]bool)
	for _, e := range entries {
		root := filepath.Join(GCRootsDir, e.Name())
		link, err := os.Readlink(root)
		if err != nil {
			continue
		}
		fi, err := os.Lstat(link)
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			debugf("Dropping stale gc root %s -> %s\n", e.Name(), link)
			os.Remove(root)
			continue
		}
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			debugf("Dropping dangling gc root %s -> %s\n", e.Name(), link)
			os.Remove(root)
			continue
		}
		live[target] = true
	}
	return live, nil
}

// gcStore removes every store path no gc root points at.
func gcStore() ([]string, error) {
	entries, err := listStore()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	live, err := liveStorePaths()
	if err != nil {
		return nil, fmt.Errorf("refusing to collect store paths: %w", err)
	}
	return collectStoreGarbage(live)
}

// collectStoreGarbage removes store paths not referenced by live, returning
// the removed paths.
func collectStoreGarbage(live map[string]bool) ([]string, error) {
	entries, err := listStore()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		resolved, err := filepath.EvalSymlinks(e.Path)
		if err != nil {
			resolved = e.Path
		}
		if live[resolved] || live[e.Path] {
			debugf("Keeping live store path %s\n", e.Path)
			continue
		}
		lock, err := lockStorePath(e.Path)
		if err != nil {
			return removed, err
		}
		err = os.RemoveAll(e.Path)
		if err == nil {
			os.Remove(e.Path + ".json")
		}
		lock.Unlock()
		if err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

// projectVenvs lists .venv<version> directories in projectDir.
func projectVenvs(projectDir string) []string {
	matches, _ := filepath.Glob(filepath.Join(projectDir, ".venv*"))
	var out []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			out = append(out, m)
		}
	}
	return out
}

// protectedDirs are never removed by cleanup, whatever the cache
// configuration points at.
var protectedDirs = map[string]struct{}{
	"/":      {},
	"/bin":   {},
	"/boot":  {},
	"/dev":   {},
	"/etc":   {},
	"/home":  {},
	"/lib":   {},
	"/lib64": {},
	"/opt":   {},
	"/proc":  {},
	"/root":  {},
	"/run":   {},
	"/sbin":  {},
	"/sys":   {},
	"/tmp":   {},
	"/usr":   {},
	"/var":   {},
}

// isProtectedPath reports whether removing path would take out a system
// directory or the user's home.
func isProtectedPath(path string) bool {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return true
	}
	if _, ok := protectedDirs[clean]; ok {
		return true
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return true
	}
	return false
}

func removeWithConfirmation(what, path string, assumeYes bool) error {
	if isProtectedPath(path) {
		return fmt.Errorf("refusing to remove %s: %s is a protected directory", what, path)
	}
	colArrow.Print("-> ")
	cPrintf(colWarn, "Deleting %s at %s.\n", what, path)
	if !assumeYes && !askForConfirmation(promptInput, colArrow, "Are you sure you want to proceed?") {
		step("Cleanup of %s canceled.", what)
		return nil
	}
	debugf("Removing %s\n", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", what, err)
	}
	step("Removed %s.", what)
	return nil
}

func handleCleanupCommand(args []string, cfg *Config) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cleanResults := cleanupCmd.Bool("results", false, "Remove store paths not referenced by a result link.")
	cleanSources := cleanupCmd.Bool("sources", false, "Remove downloaded and unpacked sources.")
	cleanLogs := cleanupCmd.Bool("logs", false, "Remove build logs.")
	cleanVenv := cleanupCmd.Bool("venv", false, "Remove the project's virtualenvs.")
	cleanAll := cleanupCmd.Bool("all", false, "results, sources, logs and venv.")
	assumeYes := cleanupCmd.Bool("y", false, "Do not ask for confirmation.")

	if err := cleanupCmd.Parse(args); err != nil {
		return err
	}

	if !*cleanResults && !*cleanSources && !*cleanLogs && !*cleanVenv && !*cleanAll {
		fmt.Println("Usage: swimdev cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.SetOutput(os.Stdout)
		cleanupCmd.PrintDefaults()
		return nil
	}
	if *cleanAll {
		*cleanResults, *cleanSources, *cleanLogs, *cleanVenv = true, true, true, true
	}

	var projectDir string
	if m, err := currentManifest(); err == nil {
		projectDir = m.Dir
	} else {
		debugf("No manifest found: %v\n", err)
	}

	if *cleanResults {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Collecting unreferenced store paths in %s.\n", StoreDir)
		if *assumeYes || askForConfirmation(promptInput, colArrow, "Are you sure you want to proceed?") {
			removed, err := gcStore()
			if err != nil {
				return err
			}
			step("Removed %d store paths.", len(removed))
		} else {
			step("Cleanup of store canceled.")
		}
	}

	if *cleanSources {
		if err := removeWithConfirmation("source cache", SourcesDir, *assumeYes); err != nil {
			return err
		}
	}

	if *cleanLogs {
		if err := removeWithConfirmation("build logs", LogDir, *assumeYes); err != nil {
			return err
		}
	}

	if *cleanVenv {
		if projectDir == "" {
			return fmt.Errorf("-venv needs a project: no %s found", ManifestName)
		}
		venvs := projectVenvs(projectDir)
		if len(venvs) == 0 {
			step("No virtualenvs in %s.", projectDir)
		}
		for _, v := range venvs {
			name := strings.TrimPrefix(filepath.Base(v), ".")
			if err := removeWithConfirmation(name, v, *assumeYes); err != nil {
				return err
			}
		}
	}

	return nil
}
