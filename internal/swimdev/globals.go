package swimdev

import (
	"errors"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	CacheDir     string
	StoreDir     string
	SourcesDir   string
	LogDir       string
	GCRootsDir   string
	tmpDir       string
	Debug        bool
	ConfigFile   = ""
	ManifestName = "swimdev.hcl"
	version      = "dev"     // overridden at build time
	buildDate    = "unknown" // overridden at build time
)

// Sentinel errors surfaced by the build and shell commands.
var (
	ErrNoSource            = errors.New("source tree not provided")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrBinaryMissing       = errors.New("expected program binary was not produced")
	ErrToolMissing         = errors.New("required tool not found in PATH")
	ErrCacheMiss           = errors.New("store path not found in binary cache")
	ErrCacheNotConfigured  = errors.New("binary cache not configured")
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
