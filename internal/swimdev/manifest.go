package swimdev

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Manifest is the decoded swimdev.hcl: the set of systems and the named
// outputs (packages and development shells) instantiated for each of them.
type Manifest struct {
	Systems   []string        `hcl:"systems"`
	Packages  []*PackageSpec  `hcl:"package,block"`
	DevShells []*DevShellSpec `hcl:"devshell,block"`

	// Dir is the project root (directory holding the manifest).
	Dir string
	// Path is the manifest file itself.
	Path string
}

// PackageSpec describes how to build one native program.
type PackageSpec struct {
	Name         string   `hcl:"name,label"`
	Default      bool     `hcl:"default,optional"`
	Source       *string  `hcl:"source,optional"`
	B3Sum        string   `hcl:"b3sum,optional"`
	Program      string   `hcl:"program,optional"`
	Compiler     string   `hcl:"compiler,optional"`
	BuildCommand string   `hcl:"build_command,optional"`
	Flags        []string `hcl:"flags,optional"`
	Strip        bool     `hcl:"strip,optional"`
}

// DevShellSpec describes a provisioned development environment.
type DevShellSpec struct {
	Name         string            `hcl:"name,label"`
	Python       string            `hcl:"python,optional"`
	Submodules   []string          `hcl:"submodules,optional"`
	Requirements []string          `hcl:"requirements,optional"`
	Editable     *bool             `hcl:"editable,optional"`
	RequireTools []string          `hcl:"require_tools,optional"`
	LibraryPath  []string          `hcl:"library_path,optional"`
	CC           string            `hcl:"cc,optional"`
	Env          map[string]string `hcl:"env,optional"`
}

// SourceString returns the declared source or "" when it is absent or null.
func (p *PackageSpec) SourceString() string {
	if p.Source == nil {
		return ""
	}
	return *p.Source
}

// InstallEditable reports whether the project itself is installed in development mode.
func (d *DevShellSpec) InstallEditable() bool {
	return d.Editable == nil || *d.Editable
}

// manifestEvalContext exposes host_system, project_dir and env() to manifest expressions.
func manifestEvalContext(dir string) *hcl.EvalContext {
	envFunc := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.StringVal(os.Getenv(args[0].AsString())), nil
		},
	})
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"host_system": cty.StringVal(HostPlatform().String()),
			"project_dir": cty.StringVal(dir),
		},
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

// ParseManifest decodes manifest source. filename must end in .hcl (or .json for
// the JSON syntax); dir is the project root used for relative paths.
func ParseManifest(filename string, src []byte, dir string) (*Manifest, error) {
	var m Manifest
	if err := hclsimple.Decode(filename, src, manifestEvalContext(dir), &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filename, err)
	}
	m.Dir = dir
	m.Path = filepath.Join(dir, filepath.Base(filename))
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads ManifestName from dir.
func LoadManifest(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(abs, ManifestName)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(path, src, abs)
}

// FindManifest walks up from start until a directory containing ManifestName is found.
func FindManifest(start string) (*Manifest, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	for {
		if fileExists(filepath.Join(dir, ManifestName)) {
			return LoadManifest(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("no %s found in %s or any parent directory", ManifestName, start)
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	for _, p := range m.Packages {
		if p.Program == "" {
			p.Program = p.Name
		}
		if p.Compiler == "" {
			p.Compiler = "gfortran"
		}
	}
	for _, d := range m.DevShells {
		if d.Python == "" {
			d.Python = "python3"
		}
		if d.Requirements == nil {
			d.Requirements = []string{"requirements.txt"}
		}
	}
}

// Validate checks the manifest for structural errors.
func (m *Manifest) Validate() error {
	if len(m.Systems) == 0 {
		return fmt.Errorf("manifest: systems must list at least one platform")
	}
	for _, s := range m.Systems {
		if _, err := ParsePlatform(s); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}

	seen := make(map[string]bool)
	defaults := 0
	for _, p := range m.Packages {
		if seen[p.Name] {
			return fmt.Errorf("manifest: duplicate package %q", p.Name)
		}
		seen[p.Name] = true
		if p.Name == "default" {
			return fmt.Errorf("manifest: package name %q is reserved", p.Name)
		}
		if strings.ContainsRune(p.Program, '/') || strings.ContainsRune(p.Program, filepath.Separator) {
			return fmt.Errorf("manifest: package %q: program must be a plain file name, got %q", p.Name, p.Program)
		}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("manifest: at most one package may be marked default")
	}

	shells := make(map[string]bool)
	for _, d := range m.DevShells {
		if shells[d.Name] {
			return fmt.Errorf("manifest: duplicate devshell %q", d.Name)
		}
		shells[d.Name] = true
	}
	return nil
}

// Supports reports whether the manifest lists p in systems.
func (m *Manifest) Supports(p Platform) bool {
	for _, s := range m.Systems {
		if s == p.String() {
			return true
		}
	}
	return false
}

// Package returns the package named name. "default" (or "") selects the
// package marked default, or the only package when there is just one.
func (m *Manifest) Package(name string) (*PackageSpec, error) {
	if name == "" || name == "default" {
		for _, p := range m.Packages {
			if p.Default {
				return p, nil
			}
		}
		if len(m.Packages) == 1 {
			return m.Packages[0], nil
		}
		return nil, fmt.Errorf("manifest has no default package")
	}
	for _, p := range m.Packages {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("package %q not defined in %s", name, m.Path)
}

// DevShell returns the named development shell ("" selects "default").
func (m *Manifest) DevShell(name string) (*DevShellSpec, error) {
	if name == "" {
		name = "default"
	}
	for _, d := range m.DevShells {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("devshell %q not defined in %s", name, m.Path)
}

// Resolve turns a manifest-relative path into an absolute one.
func (m *Manifest) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.Dir, path)
}

// Outputs lists the output attribute paths exposed for a platform, sorted.
func (m *Manifest) Outputs(p Platform) []string {
	if !m.Supports(p) {
		return nil
	}
	var out []string
	sys := p.String()
	for _, pkg := range m.Packages {
		out = append(out, fmt.Sprintf("packages.%s.%s", sys, pkg.Name))
	}
	if def, err := m.Package("default"); err == nil && def != nil {
		out = append(out, fmt.Sprintf("packages.%s.default", sys))
	}
	for _, d := range m.DevShells {
		out = append(out, fmt.Sprintf("devShells.%s.%s", sys, d.Name))
	}
	sort.Strings(out)
	return out
}
