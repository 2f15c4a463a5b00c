package swimdev

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"lukechampine.com/blake3"
)

// Entries never considered part of a source tree.
var fingerprintSkipDirs = map[string]struct{}{
	".git":        {},
	".hg":         {},
	".svn":        {},
	"__pycache__": {},
	"result":      {},
}

// hashString returns the hex BLAKE3-256 digest of s.
func hashString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// hashFile returns the hex BLAKE3-256 digest of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFiles digests several files in order, tagging each with its base name.
// Missing files contribute a marker instead of failing, so the stamp changes
// when a file appears later.
func hashFiles(paths ...string) (string, error) {
	h := blake3.New(32, nil)
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00", filepath.Base(p))
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			fmt.Fprint(h, "<missing>\x00")
			continue
		}
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", p, err)
		}
		fmt.Fprint(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sourceFilter decides which entries of a source tree take part in a build.
// The fingerprint and the build-dir copy use the same filter, so anything
// that can reach the compiler is part of the store hash.
type sourceFilter struct {
	gi *ignore.GitIgnore
}

// newSourceFilter compiles root/.gitignore if present.
func newSourceFilter(root string) *sourceFilter {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		gi = nil
	}
	return &sourceFilter{gi: gi}
}

// skip reports whether the entry at rel (relative to the root) is left out.
func (f *sourceFilter) skip(rel, name string, isDir bool) bool {
	// result is usually a symlink into the store
	if _, ok := fingerprintSkipDirs[name]; ok || strings.HasPrefix(name, ".venv") {
		return true
	}
	if f.gi == nil {
		return false
	}
	if isDir {
		return f.gi.MatchesPath(rel + "/")
	}
	return f.gi.MatchesPath(rel)
}

// SourceFingerprint digests a source tree: relative path, permission bits and
// content of every regular file and symlink target, in sorted order. Paths
// matched by the tree's .gitignore, VCS metadata and .venv* directories are
// excluded so local build artefacts do not invalidate the store hash.
func SourceFingerprint(root string) (string, error) {
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNoSource, root)
	}

	filter := newSourceFilter(root)
	var files []string

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if filter.skip(rel, d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk source tree %s: %w", root, err)
	}

	sort.Strings(files)

	h := blake3.New(32, nil)
	buf := make([]byte, 64*1024)
	for _, rel := range files {
		path := filepath.Join(root, rel)
		li, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), li.Mode().Perm())
		switch {
		case li.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "link:%s", target)
		case li.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return "", err
			}
			_, err = io.CopyBuffer(h, f, buf)
			f.Close()
			if err != nil {
				return "", fmt.Errorf("failed to hash %s: %w", path, err)
			}
		}
		fmt.Fprint(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
