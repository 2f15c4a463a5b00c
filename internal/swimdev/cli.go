package swimdev

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp(out io.Writer) {
	fmt.Fprintln(out, colSuccess.Sprint("Usage: swimdev <command> [arguments]"))
	fmt.Fprintln(out, colSuccess.Sprint("Run 'swimdev <command> -h' for command options"))
	fmt.Fprintln(out)
	fmt.Fprintln(out, color.Info.Sprint("Available Commands:"))

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[-platform sys] [-source src] [pkg]", "Build a package into the store and link ./result"},
		{"develop, shell", "[-c cmd] [-recreate] [name]", "Provision and enter a development shell"},
		{"setup", "[-recreate] [name]", "Provision the development environment only"},
		{"run", "[-q] [-swim path] <projectdir>", "Run the model on a project directory"},
		{"push", "[hash]", "Upload a store path to the binary cache"},
		{"show", "[-all]", "List the outputs exposed by the manifest"},
		{"log", "[hash | -latest]", "Show a build log (latest by default)"},
		{"cleanup", "[options]", "Remove store paths, sources, logs or virtualenvs"},
		{"version, --version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		usage := c.Cmd
		line := "  " + color.Bold.Sprint(c.Cmd)
		if c.Args != "" {
			usage += " " + c.Args
			line += " " + color.Cyan.Sprint(c.Args)
		}
		pad := columnWidth - len(usage)
		if pad < 1 {
			pad = 1
		}
		fmt.Fprintln(out, line+strings.Repeat(" ", pad)+color.Info.Sprint(c.Desc))
	}
	fmt.Fprintln(out)
}

// currentManifest locates the manifest from the working directory upwards.
func currentManifest() (*Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return FindManifest(wd)
}

// platformFlag resolves a -platform value, defaulting to the host.
func platformFlag(value string) (Platform, error) {
	if value == "" {
		host := HostPlatform()
		if _, err := ParsePlatform(host.String()); err != nil {
			return Platform{}, err
		}
		return host, nil
	}
	return ParsePlatform(value)
}

// runCommand dispatches one CLI invocation. args excludes the program name.
func runCommand(ctx context.Context, args []string, cfg *Config, out io.Writer) error {
	if len(args) == 0 {
		printHelp(out)
		return nil
	}
	execCtx := NewExecutor(ctx)

	switch args[0] {
	case "build", "b":
		return handleBuildCommand(args[1:], cfg, execCtx, out)
	case "develop", "shell":
		return handleDevelopCommand(args[1:], cfg, execCtx, true)
	case "setup":
		return handleDevelopCommand(args[1:], cfg, execCtx, false)
	case "run":
		return handleRunCommand(args[1:], execCtx, out)
	case "push":
		return handlePushCommand(ctx, args[1:], cfg, out)
	case "show":
		return handleShowCommand(args[1:], out)
	case "log":
		return handleLogCommand(args[1:], out)
	case "cleanup":
		return handleCleanupCommand(args[1:], cfg)
	case "version", "--version":
		fmt.Fprintln(out, colNote.Sprintf("swimdev %s (%s/%s) built %s", version, runtime.GOOS, runtime.GOARCH, buildDate))
		return nil
	case "help", "-h", "--help":
		printHelp(out)
		return nil
	}
	printHelp(out)
	return fmt.Errorf("unknown command %q", args[0])
}

func handleBuildCommand(args []string, cfg *Config, execCtx *Executor, out io.Writer) error {
	buildCmd := flag.NewFlagSet("build", flag.ContinueOnError)
	platform := buildCmd.String("platform", "", "Target system (default: host)")
	source := buildCmd.String("source", "", "Source tree, archive or git+URL (overrides the manifest)")
	outLink := buildCmd.String("out-link", "result", "Result link to publish (empty: none)")
	rebuild := buildCmd.Bool("rebuild", false, "Rebuild even if the store path exists")
	noSubstitute := buildCmd.Bool("no-substitute", false, "Do not consult the binary cache")
	quiet := buildCmd.Bool("q", false, "Only write compiler output to the build log")
	if err := buildCmd.Parse(args); err != nil {
		return err
	}

	m, err := currentManifest()
	if err != nil {
		return err
	}
	target, err := platformFlag(*platform)
	if err != nil {
		return err
	}

	opts := BuildOptions{
		Package:      buildCmd.Arg(0),
		Platform:     target,
		Source:       *source,
		Rebuild:      *rebuild,
		NoSubstitute: *noSubstitute,
		Quiet:        *quiet,
	}
	if *source != "" && !filepath.IsAbs(*source) && classifySource(*source) != SourceGit && !strings.Contains(*source, "://") {
		// a command line path is relative to where the user typed it
		if abs, err := filepath.Abs(*source); err == nil {
			opts.Source = abs
		}
	}
	if *outLink != "" {
		opts.OutLink = m.Resolve(*outLink)
	}

	res, err := pkgBuild(m, opts, cfg, execCtx)
	if err != nil {
		return err
	}
	switch {
	case res.Cached:
		step("%s is up to date", filepath.Base(res.StorePath))
	case res.Substituted:
		step("Fetched %s in %s", filepath.Base(res.StorePath), res.Duration.Round(time.Millisecond))
	default:
		step("Built %s in %s", filepath.Base(res.StorePath), res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(out, res.StorePath)
	return nil
}

func handleDevelopCommand(args []string, cfg *Config, execCtx *Executor, enter bool) error {
	name := "develop"
	if !enter {
		name = "setup"
	}
	devCmd := flag.NewFlagSet(name, flag.ContinueOnError)
	recreate := devCmd.Bool("recreate", false, "Remove and recreate the virtualenv")
	var command *string
	if enter {
		command = devCmd.String("c", "", "Run a command in the shell instead of an interactive session")
	}
	if err := devCmd.Parse(args); err != nil {
		return err
	}

	m, err := currentManifest()
	if err != nil {
		return err
	}
	opts := ShellOptions{
		Name:     devCmd.Arg(0),
		Platform: HostPlatform(),
		Recreate: *recreate,
	}
	if command != nil {
		opts.Command = *command
	}

	envr, err := provisionShell(m, opts, execCtx)
	if err != nil {
		return err
	}
	if !enter {
		step("Environment ready: %s (python %s)", envr.VenvDir, envr.PythonVersion)
		if len(envr.LibraryDirs) > 0 {
			step("%s=%s", libraryPathVar(opts.Platform), strings.Join(envr.LibraryDirs, string(os.PathListSeparator)))
		}
		return nil
	}
	return enterShell(envr, opts, cfg, execCtx)
}

func handleRunCommand(args []string, execCtx *Executor, out io.Writer) error {
	runCmd := flag.NewFlagSet("run", flag.ContinueOnError)
	quiet := runCmd.Bool("q", false, "Do not show model output")
	binary := runCmd.String("swim", "", "Model binary (default: ./result/bin/<program>)")
	outLink := runCmd.String("out-link", "result", "Result link to take the binary from")
	if err := runCmd.Parse(args); err != nil {
		return err
	}
	if runCmd.NArg() != 1 {
		return fmt.Errorf("usage: swimdev run [-q] [-swim path] <projectdir>")
	}

	m, err := currentManifest()
	if err != nil {
		debugf("No manifest found: %v\n", err)
		m = nil
	}
	bin, err := resolveModelBinary(m, *binary, *outLink)
	if err != nil {
		return err
	}
	projectDir, err := filepath.Abs(runCmd.Arg(0))
	if err != nil {
		return err
	}

	elapsed, err := runModel(RunOptions{Binary: bin, ProjectDir: projectDir, Quiet: *quiet}, out, execCtx)
	if err != nil {
		return err
	}
	step("Execution took %s", elapsed.Round(time.Millisecond))
	return nil
}

// resultStorePath follows the project's result link into the store.
func resultStorePath(m *Manifest, link string) (string, error) {
	target, err := filepath.EvalSymlinks(m.Resolve(link))
	if err != nil {
		return "", fmt.Errorf("no build result at %s: %w", link, err)
	}
	return target, nil
}

func handlePushCommand(ctx context.Context, args []string, cfg *Config, out io.Writer) error {
	pushCmd := flag.NewFlagSet("push", flag.ContinueOnError)
	outLink := pushCmd.String("out-link", "result", "Result link to push when no hash is given")
	if err := pushCmd.Parse(args); err != nil {
		return err
	}

	client, err := NewCacheClient(cfg)
	if err != nil {
		return err
	}

	var storePath string
	if prefix := pushCmd.Arg(0); prefix != "" {
		entry, err := findStorePath(prefix)
		if err != nil {
			return err
		}
		storePath = entry.Path
	} else {
		m, err := currentManifest()
		if err != nil {
			return err
		}
		if storePath, err = resultStorePath(m, *outLink); err != nil {
			return err
		}
	}

	info, err := readStoreInfo(storePath)
	if err != nil {
		return fmt.Errorf("missing store info for %s: %w", storePath, err)
	}
	step("Pushing %s to %s", filepath.Base(storePath), client.BucketName)
	entry, err := client.Push(ctx, storePath, info)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %d\n", entry.Hash, entry.B3Sum, entry.Size)
	return nil
}

func handleShowCommand(args []string, out io.Writer) error {
	showCmd := flag.NewFlagSet("show", flag.ContinueOnError)
	all := showCmd.Bool("all", false, "List outputs for every system in the manifest")
	if err := showCmd.Parse(args); err != nil {
		return err
	}

	m, err := currentManifest()
	if err != nil {
		return err
	}
	systems := []string{HostPlatform().String()}
	if *all {
		systems = append([]string{}, m.Systems...)
		sort.Strings(systems)
	}

	fmt.Fprintln(out, m.Path)
	for _, sys := range systems {
		p, err := ParsePlatform(sys)
		if err != nil {
			return err
		}
		outputs := m.Outputs(p)
		if len(outputs) == 0 {
			fmt.Fprintf(out, "  %s: not supported by this manifest\n", sys)
			continue
		}
		for _, o := range outputs {
			fmt.Fprintf(out, "  %s\n", o)
		}
	}
	return nil
}

// latestLog returns the newest compressed build log.
func latestLog() (string, error) {
	matches, err := filepath.Glob(filepath.Join(LogDir, "*.log.xz"))
	if err != nil {
		return "", err
	}
	var newest string
	var newestTime time.Time
	for _, p := range matches {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if newest == "" || fi.ModTime().After(newestTime) {
			newest, newestTime = p, fi.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no build logs in %s", LogDir)
	}
	return newest, nil
}

// findLog resolves a store hash prefix to its compressed build log.
func findLog(prefix string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(LogDir, prefix+"*.log.xz"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no build log matches %q", prefix)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("build log prefix %q is ambiguous (%d matches)", prefix, len(matches))
}

func handleLogCommand(args []string, out io.Writer) error {
	logCmd := flag.NewFlagSet("log", flag.ContinueOnError)
	latest := logCmd.Bool("latest", false, "Show the newest build log (default when no hash is given)")
	if err := logCmd.Parse(args); err != nil {
		return err
	}
	if *latest && logCmd.NArg() > 0 {
		return fmt.Errorf("log takes either a hash or -latest, not both")
	}

	var path string
	var err error
	if prefix := logCmd.Arg(0); prefix != "" {
		path, err = findLog(prefix)
	} else {
		path, err = latestLog()
	}
	if err != nil {
		return err
	}
	data, err := readXZ(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return pageText(out, strings.TrimSuffix(filepath.Base(path), ".log.xz"), string(data))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

// Main is the CLI entrypoint.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// store commit in progress: hold the first signal, force on the second
					colArrow.Print("\n-> ")
					colError.Printf("Committing to the store. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.\n")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}
				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling\n", sig)
				cancel()
				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					color.Danger.Printf("Second interrupt received. Forcing immediate exit.\n")
					os.Exit(130)
				case <-time.After(2 * time.Second):
					os.Exit(130)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	configPath := ConfigFile
	if p := os.Getenv("SWIMDEV_CONFIG"); p != "" {
		configPath = p
	}
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", configPath, err)
	}
	initConfig(cfg)

	if err := runCommand(ctx, os.Args[1:], cfg, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
