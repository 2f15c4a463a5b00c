package swimdev

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

// SourceKind classifies a package source declaration.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceLocal
	SourceArchive
	SourceGit
)

// classifySource decides how a source string is fetched.
func classifySource(src string) SourceKind {
	switch {
	case src == "":
		return SourceNone
	case strings.HasPrefix(src, "git+"):
		return SourceGit
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		return SourceArchive
	case isArchive(src):
		return SourceArchive
	}
	return SourceLocal
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

// resolveSource materialises a package source as a local directory. Local
// directories are returned as-is (never modified); archives are downloaded into
// SourcesDir and unpacked; git sources are cloned or updated.
func resolveSource(ctx context.Context, src, b3sum, baseDir string, execCtx *Executor) (string, error) {
	switch classifySource(src) {
	case SourceNone:
		return "", ErrNoSource
	case SourceLocal:
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoSource, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", ErrNoSource, path)
		}
		return path, nil
	case SourceArchive:
		archivePath := src
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			dest := filepath.Join(SourcesDir, hashString(src)[:16]+"-"+filepath.Base(src))
			if err := downloadFile(ctx, src, dest, false); err != nil {
				return "", err
			}
			archivePath = dest
		} else if !filepath.IsAbs(archivePath) {
			archivePath = filepath.Join(baseDir, archivePath)
		}
		sum, err := hashFile(archivePath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoSource, err)
		}
		if b3sum != "" && sum != b3sum {
			return "", fmt.Errorf("checksum mismatch for %s: expected %s, got %s", filepath.Base(archivePath), b3sum, sum)
		}
		unpacked := filepath.Join(SourcesDir, "unpacked", sum[:16])
		if fileExists(filepath.Join(unpacked, ".swimdev-unpacked")) {
			debugf("Reusing unpacked source %s\n", unpacked)
			return unpacked, nil
		}
		os.RemoveAll(unpacked)
		if err := extractArchive(archivePath, unpacked, true); err != nil {
			os.RemoveAll(unpacked)
			return "", err
		}
		if err := os.WriteFile(filepath.Join(unpacked, ".swimdev-unpacked"), nil, 0o644); err != nil {
			return "", err
		}
		return unpacked, nil
	case SourceGit:
		return fetchGitSource(src, execCtx)
	}
	return "", fmt.Errorf("unhandled source %q", src)
}

// fetchGitSource clones git+<url>[#ref] into SourcesDir or updates an existing clone.
func fetchGitSource(src string, execCtx *Executor) (string, error) {
	gitURL := strings.TrimPrefix(src, "git+")
	ref := ""
	if strings.Contains(gitURL, "#") {
		parts := strings.SplitN(gitURL, "#", 2)
		gitURL, ref = parts[0], parts[1]
	}
	name := strings.TrimSuffix(filepath.Base(gitURL), ".git")
	destPath := filepath.Join(SourcesDir, "git", hashString(gitURL)[:16]+"-"+name)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	updated := fileExists(filepath.Join(destPath, ".git"))
	if !updated {
		step("Cloning git repository %s", gitURL)
		if err := execCtx.Run(exec.Command("git", "clone", gitURL, destPath)); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		step("Updating git repository %s", gitURL)
		if err := execCtx.Run(exec.Command("git", "-C", destPath, "fetch", "--tags", "origin")); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}
	switch {
	case ref != "":
		if err := execCtx.Run(exec.Command("git", "-C", destPath, "-c", "advice.detachedHead=false", "checkout", ref)); err != nil {
			return "", fmt.Errorf("git checkout %s failed: %w", ref, err)
		}
	case updated:
		// an unpinned source follows the remote default branch
		if err := execCtx.Run(exec.Command("git", "-C", destPath, "-c", "advice.detachedHead=false", "checkout", "--detach", "origin/HEAD")); err != nil {
			return "", fmt.Errorf("git checkout origin/HEAD failed: %w", err)
		}
	}
	return destPath, nil
}

// downloadFile fetches url into dest unless dest already exists. A lock file
// serialises concurrent downloads of the same file.
func downloadFile(ctx context.Context, url, dest string, quiet bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", dest, err)
	}
	lFile, err := os.OpenFile(dest+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	if fileExists(dest) {
		debugf("File %s already downloaded, skipping.\n", dest)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := newHttpClient().Do(req)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed: %s", url, resp.Status)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if quiet {
		bar = progressbar.DefaultBytesSilent(resp.ContentLength, filepath.Base(dest))
	} else {
		bar = progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
	}
	_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download of %s interrupted: %w", url, err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, dest)
}
