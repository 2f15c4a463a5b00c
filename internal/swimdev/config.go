package swimdev

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Get returns a config value or def when unset/empty.
func (c *Config) Get(key, def string) string {
	if v := c.Values[key]; v != "" {
		return v
	}
	return def
}

// defaultConfigPath returns $XDG_CONFIG_HOME/swimdev/swimdev.conf, falling back to ~/.config.
func defaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "swimdev", "swimdev.conf")
}

// Load the key=value config file and apply SWIMDEV_* environment overrides.
// A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = os.TempDir()
	}

	return cfg, nil
}

// Merge SWIMDEV_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SWIMDEV_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	CacheDir = cfg.Values["SWIMDEV_CACHE_DIR"]
	if CacheDir == "" {
		base := os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			if home, err := os.UserHomeDir(); err == nil {
				base = filepath.Join(home, ".cache")
			} else {
				base = os.TempDir()
			}
		}
		CacheDir = filepath.Join(base, "swimdev")
	}

	Debug = cfg.Values["SWIMDEV_DEBUG"] == "1"

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	if name := cfg.Values["SWIMDEV_MANIFEST"]; name != "" {
		ManifestName = name
	}

	StoreDir = filepath.Join(CacheDir, "store")
	SourcesDir = filepath.Join(CacheDir, "sources")
	LogDir = filepath.Join(CacheDir, "logs")
	GCRootsDir = filepath.Join(CacheDir, "gcroots")
}
