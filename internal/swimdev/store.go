package swimdev

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// storeHashLen is the number of hex characters of the BLAKE3 digest kept in store paths.
const storeHashLen = 32

// StorePath returns <StoreDir>/<hash>-<program>.
func StorePath(hash, program string) string {
	return filepath.Join(StoreDir, hash+"-"+program)
}

// storeHash derives the content address of a build from everything that can
// change its output.
func storeHash(platform Platform, compiler, program, buildCommand string, flags []string, strip bool, sourceFP string) string {
	key := strings.Join([]string{
		"system=" + platform.String(),
		"compiler=" + compiler,
		"program=" + program,
		"build=" + buildCommand,
		"flags=" + strings.Join(flags, "\x1f"),
		fmt.Sprintf("strip=%t", strip),
		"source=" + sourceFP,
	}, "\n")
	return hashString(key)[:storeHashLen]
}

// storeLock holds an exclusive flock on <path>.lock. Lock files are never removed.
type storeLock struct {
	f *os.File
}

func lockStorePath(path string) (*storeLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &storeLock{f: f}, nil
}

func (l *storeLock) Unlock() {
	if l == nil || l.f == nil {
		return
	}
	// The lock file stays: removing it would let a waiter holding the old
	// inode and a newcomer on a fresh file both get the lock.
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

// verifyOutput checks that out/bin/program is a regular executable file.
func verifyOutput(out, program string) error {
	bin := filepath.Join(out, "bin", program)
	info, err := os.Stat(bin)
	if err != nil {
		return fmt.Errorf("%w: bin/%s: %v", ErrBinaryMissing, program, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: bin/%s is not a regular file", ErrBinaryMissing, program)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: bin/%s is not executable", ErrBinaryMissing, program)
	}
	return nil
}

// commitStorePath moves a finished output directory into its store path. The
// rename is atomic within the cache filesystem; an existing store path wins.
func commitStorePath(staged, storePath string) error {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return err
	}
	if fileExists(storePath) {
		debugf("Store path %s already present, discarding staged output\n", storePath)
		return os.RemoveAll(staged)
	}
	if err := os.Rename(staged, storePath); err != nil {
		return fmt.Errorf("failed to commit %s: %w", storePath, err)
	}
	return nil
}

// replaceStorePath swaps a staged output in for an existing store path. The
// old path is moved to aside first and restored if the swap fails; aside must
// be on the same filesystem and is removed afterwards.
func replaceStorePath(staged, storePath, aside string) error {
	if err := os.Rename(storePath, aside); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", storePath, err)
	}
	if err := os.Rename(staged, storePath); err != nil {
		if rerr := os.Rename(aside, storePath); rerr != nil {
			return fmt.Errorf("failed to commit %s: %v (restoring previous output also failed: %v)", storePath, err, rerr)
		}
		return fmt.Errorf("failed to commit %s: %w", storePath, err)
	}
	if err := os.RemoveAll(aside); err != nil {
		debugf("Warning: failed to remove previous output %s: %v\n", aside, err)
	}
	return nil
}

// publishLink points link at target by creating a temporary symlink next to it
// and renaming it over the old one, so readers never see a missing link.
func publishLink(target, link string) error {
	abs, err := filepath.Abs(link)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("refusing to replace %s: not a symlink", abs)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", abs, time.Now().UnixNano())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish %s: %w", abs, err)
	}
	return nil
}

// addGCRoot records link under GCRootsDir so garbage collection keeps
// whatever it points at, whichever project it lives in.
func addGCRoot(link string) error {
	abs, err := filepath.Abs(link)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(GCRootsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create gc roots dir: %w", err)
	}
	root := filepath.Join(GCRootsDir, hashString(abs)[:storeHashLen])
	if cur, err := os.Readlink(root); err == nil && cur == abs {
		return nil
	}
	if err := publishLink(abs, root); err != nil {
		return fmt.Errorf("failed to register gc root for %s: %w", abs, err)
	}
	return nil
}

// stagingDir creates a fresh directory for a build inside the store filesystem
// so the final rename never crosses devices.
func stagingDir(program string) (string, error) {
	base := filepath.Join(CacheDir, "tmp")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, program+"-")
}

// StoreEntry is one committed output in the store.
type StoreEntry struct {
	Hash    string
	Program string
	Path    string
	ModTime time.Time
}

// listStore returns store entries, newest first.
func listStore() ([]StoreEntry, error) {
	entries, err := os.ReadDir(StoreDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []StoreEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= storeHashLen+1 || name[storeHashLen] != '-' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, StoreEntry{
			Hash:    name[:storeHashLen],
			Program: name[storeHashLen+1:],
			Path:    filepath.Join(StoreDir, name),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// findStorePath resolves a hash (or unique hash prefix) to a store entry.
func findStorePath(hashPrefix string) (StoreEntry, error) {
	entries, err := listStore()
	if err != nil {
		return StoreEntry{}, err
	}
	var match []StoreEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Hash, hashPrefix) {
			match = append(match, e)
		}
	}
	switch len(match) {
	case 0:
		return StoreEntry{}, fmt.Errorf("no store path matches %q", hashPrefix)
	case 1:
		return match[0], nil
	}
	return StoreEntry{}, fmt.Errorf("store hash prefix %q is ambiguous (%d matches)", hashPrefix, len(match))
}
