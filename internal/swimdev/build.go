package swimdev

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fortranSuffixes are compiled when a source tree has neither a build command nor a Makefile.
var fortranSuffixes = []string{".f90", ".f95", ".f03", ".f", ".for"}

// BuildOptions controls a single package build.
type BuildOptions struct {
	Package      string   // package name, "" or "default" for the default package
	Platform     Platform // target system
	Source       string   // overrides the manifest source when set
	OutLink      string   // result link to publish; "" disables publishing
	Rebuild      bool     // ignore an existing store path
	NoSubstitute bool     // never consult the binary cache
	Quiet        bool     // keep compiler output out of the terminal (still logged)
}

// BuildResult describes a successful build.
type BuildResult struct {
	Hash        string
	StorePath   string
	Binary      string
	LogPath     string
	Cached      bool // store path already existed
	Substituted bool // fetched from the binary cache
	Duration    time.Duration
}

// StoreInfo is written next to every store path as <path>.json.
type StoreInfo struct {
	Name      string    `json:"name"`
	Program   string    `json:"program"`
	System    string    `json:"system"`
	Compiler  string    `json:"compiler"`
	SourceFP  string    `json:"source_fingerprint"`
	Hash      string    `json:"hash"`
	BuiltAt   time.Time `json:"built_at"`
	HostBuilt string    `json:"host"`
}

func writeStoreInfo(storePath string, info StoreInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(storePath+".json", data, 0o644)
}

func readStoreInfo(storePath string) (StoreInfo, error) {
	var info StoreInfo
	data, err := os.ReadFile(storePath + ".json")
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// pkgBuild compiles a manifest package for opts.Platform into the store and
// publishes opts.OutLink. On any failure the staging directory is discarded
// and neither the store nor the link is touched.
func pkgBuild(m *Manifest, opts BuildOptions, cfg *Config, execCtx *Executor) (*BuildResult, error) {
	startTime := time.Now()

	pkg, err := m.Package(opts.Package)
	if err != nil {
		return nil, err
	}
	if !m.Supports(opts.Platform) {
		return nil, fmt.Errorf("%w: %s is not listed in %s", ErrUnsupportedPlatform, opts.Platform, m.Path)
	}

	host := HostPlatform()
	compiler := CompilerInvocation(host, opts.Platform, pkg.Compiler, cfg.Values["SWIMDEV_CROSS_PREFIX"])
	if host != opts.Platform {
		debugf("Cross-compiling %s for %s on %s with %s\n", pkg.Name, opts.Platform, host, compiler)
	}

	src := opts.Source
	if src == "" {
		src = pkg.SourceString()
	}
	srcDir, err := resolveSource(execCtx.Context, src, pkg.B3Sum, m.Dir, execCtx)
	if err != nil {
		if errors.Is(err, ErrNoSource) {
			return nil, fmt.Errorf("package %s: %w (set source in %s or pass -source)", pkg.Name, err, filepath.Base(m.Path))
		}
		return nil, fmt.Errorf("failed to fetch sources: %w", err)
	}

	fp, err := SourceFingerprint(srcDir)
	if err != nil {
		return nil, err
	}
	hash := storeHash(opts.Platform, compiler, pkg.Program, pkg.BuildCommand, pkg.Flags, pkg.Strip, fp)
	storePath := StorePath(hash, pkg.Program)
	res := &BuildResult{
		Hash:      hash,
		StorePath: storePath,
		Binary:    filepath.Join(storePath, "bin", pkg.Program),
		LogPath:   filepath.Join(LogDir, hash+".log.xz"),
	}

	lock, err := lockStorePath(storePath)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	// An existing store path stays in place until its replacement is verified.
	replace := false
	if fileExists(storePath) {
		if !opts.Rebuild && verifyOutput(storePath, pkg.Program) == nil {
			res.Cached = true
			res.Duration = time.Since(startTime)
			return res, publishResult(storePath, opts.OutLink)
		}
		debugf("Replacing existing store path %s after a successful build\n", storePath)
		replace = true
	}

	if !opts.NoSubstitute && !opts.Rebuild && !replace {
		if client, err := NewCacheClient(cfg); err == nil {
			err := client.Substitute(execCtx.Context, hash, pkg.Program, storePath)
			switch {
			case err == nil:
				res.Substituted = true
				res.Duration = time.Since(startTime)
				return res, publishResult(storePath, opts.OutLink)
			case errors.Is(err, ErrCacheMiss):
				debugf("Cache miss for %s\n", hash)
			default:
				colArrow.Print("-> ")
				colWarn.Printf("Binary cache unavailable, building locally: %v\n", err)
			}
		} else if !errors.Is(err, ErrCacheNotConfigured) {
			return nil, err
		}
	}

	staging, err := stagingDir(pkg.Program)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	buildDir := filepath.Join(staging, "build")
	outDir := filepath.Join(staging, "out")
	if err := copyTree(srcDir, buildDir); err != nil {
		return nil, fmt.Errorf("failed to prepare sources: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(outDir, "bin"), 0o755); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return nil, err
	}
	rawLog := filepath.Join(LogDir, hash+".log")
	logFile, err := os.Create(rawLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	var logger io.Writer = logFile
	if !opts.Quiet {
		logger = io.MultiWriter(logFile, os.Stdout)
	}
	defer func() {
		logFile.Close()
		if err := compressXZ(rawLog, res.LogPath); err != nil {
			debugf("Warning: failed to compress build log: %v\n", err)
		}
	}()

	if !opts.Quiet {
		step("Building %s for %s", pkg.Name, opts.Platform)
	}
	stepTo(logFile, "Building %s (%s) for %s with %s", pkg.Name, hash, opts.Platform, compiler)

	env := buildEnv(os.Environ(), compiler, pkg, opts.Platform, outDir, buildJobs(cfg))
	buildExec := execCtx.With(env, logger)
	if err := runCompile(pkg, compiler, buildDir, outDir, buildExec); err != nil {
		stepTo(logFile, "Build failed: %v", err)
		return nil, fmt.Errorf("build of %s failed: %w", pkg.Name, err)
	}

	if err := installProgram(buildDir, outDir, pkg.Program); err != nil {
		stepTo(logFile, "Install failed: %v", err)
		return nil, err
	}
	if pkg.Strip {
		stripProgram(outDir, pkg.Program, TargetPrefix(host, opts.Platform)+"strip", buildExec)
	}
	if err := verifyOutput(outDir, pkg.Program); err != nil {
		return nil, err
	}

	// Critical section: store commit and link swap must not be interrupted halfway.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if replace {
		err = replaceStorePath(outDir, storePath, filepath.Join(staging, "previous"))
	} else {
		err = commitStorePath(outDir, storePath)
	}
	if err != nil {
		return nil, err
	}
	if err := writeStoreInfo(storePath, StoreInfo{
		Name:      pkg.Name,
		Program:   pkg.Program,
		System:    opts.Platform.String(),
		Compiler:  compiler,
		SourceFP:  fp,
		Hash:      hash,
		BuiltAt:   time.Now().UTC(),
		HostBuilt: host.String(),
	}); err != nil {
		debugf("Warning: failed to write store info: %v\n", err)
	}
	if err := publishResult(storePath, opts.OutLink); err != nil {
		return nil, err
	}
	stepTo(logFile, "Installed %s", res.Binary)

	res.Duration = time.Since(startTime)
	return res, nil
}

func publishResult(storePath, link string) error {
	if link == "" {
		return nil
	}
	if err := publishLink(storePath, link); err != nil {
		return err
	}
	return addGCRoot(link)
}

// buildEnv returns the environment for compiler invocations. FC, PROGRAM, OUT,
// MAKEFLAGS and SWIMDEV_SYSTEM are always set; FFLAGS carries the manifest flags.
func buildEnv(base []string, compiler string, pkg *PackageSpec, target Platform, outDir string, jobs int) []string {
	set := map[string]string{
		"FC":             compiler,
		"PROGRAM":        pkg.Program,
		"OUT":            outDir,
		"MAKEFLAGS":      fmt.Sprintf("-j%d", jobs),
		"SWIMDEV_SYSTEM": target.String(),
	}
	if len(pkg.Flags) > 0 {
		set["FFLAGS"] = strings.Join(pkg.Flags, " ")
	}
	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := set[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}

// runCompile runs the package's build step inside buildDir.
func runCompile(pkg *PackageSpec, compiler, buildDir, outDir string, execCtx *Executor) error {
	if pkg.BuildCommand != "" {
		cmd := exec.Command("sh", "-c", pkg.BuildCommand)
		cmd.Dir = buildDir
		return execCtx.Run(cmd)
	}

	for _, mk := range []string{"GNUmakefile", "Makefile", "makefile"} {
		if fileExists(filepath.Join(buildDir, mk)) {
			args := []string{"FC=" + compiler}
			if len(pkg.Flags) > 0 {
				args = append(args, "FFLAGS="+strings.Join(pkg.Flags, " "))
			}
			cmd := exec.Command("make", args...)
			cmd.Dir = buildDir
			return execCtx.Run(cmd)
		}
	}

	sources, err := fortranSources(buildDir)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no Makefile, build_command or Fortran sources found in %s", buildDir)
	}
	args := append([]string{}, pkg.Flags...)
	args = append(args, "-o", pkg.Program)
	args = append(args, sources...)
	cmd := exec.Command(compiler, args...)
	cmd.Dir = buildDir
	return execCtx.Run(cmd)
}

// fortranSources lists Fortran files at the top of dir, sorted by name.
func fortranSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		for _, suf := range fortranSuffixes {
			if strings.HasSuffix(lower, suf) {
				out = append(out, e.Name())
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// installProgram places the built program at outDir/bin/<program> unless the
// build step already installed it there.
func installProgram(buildDir, outDir, program string) error {
	dest := filepath.Join(outDir, "bin", program)
	if fileExists(dest) {
		return os.Chmod(dest, 0o755)
	}
	built := filepath.Join(buildDir, program)
	info, err := os.Stat(built)
	if err != nil {
		return fmt.Errorf("%w: %s not found after build", ErrBinaryMissing, program)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrBinaryMissing, program)
	}
	if err := copyFile(built, dest); err != nil {
		return fmt.Errorf("failed to install %s: %w", program, err)
	}
	return os.Chmod(dest, 0o755)
}
