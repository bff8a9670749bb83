// internal/config/config.go
//
// This package handles configuration and the .patchguard directory structure.
// A project that uses patchguard keeps its patch list in .patchguard/config.yaml.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// StateDir is the name of the directory we create in each project
	StateDir = ".patchguard"

	// DefaultSentinelSuffix is appended to a target path to build its marker file.
	DefaultSentinelSuffix = ".patching-done"

	defaultPatchCommand     = "patch"
	defaultFrameworkPackage = "framework-arduinopico"
)

// Variables that may appear in patch and target paths.
const (
	VarProjectDir   = "PROJECT_DIR"
	VarLibDepsDir   = "PROJECT_LIBDEPS_DIR"
	VarPackagesDir  = "PROJECT_PACKAGES_DIR"
	VarFrameworkDir = "FRAMEWORK_DIR"
)

const defaultProjectConfigYAML = `# patchguard project configuration
version: 1

# Package directory (under PROJECT_PACKAGES_DIR) that FRAMEWORK_DIR points at
# unless the FRAMEWORK_DIR environment variable is set.
framework_package: framework-arduinopico

# Executable invoked as: <patch_command> "<target>" < <patch>
patch_command: patch
sentinel_suffix: .patching-done

# Paths may use ${PROJECT_DIR}, ${PROJECT_LIBDEPS_DIR}, ${PROJECT_PACKAGES_DIR}
# and ${FRAMEWORK_DIR}. Relative patch paths resolve against the project root.
patches:
  - name: adafruit-usbh-host
    patch: patches/1-adafruit-usbh-host.patch
    target: ${FRAMEWORK_DIR}/libraries/Adafruit_TinyUSB_Arduino/src/arduino/Adafruit_USBH_Host.cpp
  # Same library installed through lib_deps instead of the framework bundle.
  - name: adafruit-usbh-host-libdeps
    enabled: false
    patch: patches/1-adafruit-usbh-host.patch
    target: "${PROJECT_LIBDEPS_DIR}/pico/Adafruit TinyUSB Library/src/arduino/Adafruit_USBH_Host.cpp"
  - name: adafruit-sdfat-config
    enabled: false
    patch: patches/2-adafruit-sdfatconfig.patch
    target: "${PROJECT_LIBDEPS_DIR}/pico/SdFat - Adafruit Fork/src/SdFatConfig.h"
`

// PatchEntry declares one patch/target pair inside .patchguard/config.yaml.
type PatchEntry struct {
	Name    string `yaml:"name"`
	Patch   string `yaml:"patch"`
	Target  string `yaml:"target"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the entry should be applied. Entries are enabled
// unless the config says otherwise.
func (e PatchEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ProjectConfig models .patchguard/config.yaml.
type ProjectConfig struct {
	Version          int          `yaml:"version"`
	FrameworkPackage string       `yaml:"framework_package"`
	PatchCommand     string       `yaml:"patch_command"`
	SentinelSuffix   string       `yaml:"sentinel_suffix"`
	Patches          []PatchEntry `yaml:"patches"`
}

// Overrides carries directory values supplied on the command line. They take
// precedence over the environment.
type Overrides struct {
	LibDepsDir   string
	FrameworkDir string
}

// Config holds the runtime configuration for patchguard.
type Config struct {
	// ProjectDir is the project root (where platformio.ini lives)
	ProjectDir string

	// StateDir is ProjectDir/.patchguard
	StateDir string

	// Vars holds the resolved build directories used for path expansion
	Vars map[string]string

	Project ProjectConfig
}

// InitStateDir creates the .patchguard directory structure in the given project directory.
//
// Structure created:
// .patchguard/
// ├── config.yaml
// └── logs/        <- patchguard.log and journal.log
func InitStateDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, StateDir)
	if err := os.MkdirAll(filepath.Join(stateDir, "logs"), 0755); err != nil {
		return err
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
// A missing config.yaml yields the built-in defaults.
func NewConfig(projectDir string, overrides Overrides) (*Config, error) {
	absolute, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: absolute,
		StateDir:   filepath.Join(absolute, StateDir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Vars = resolveVars(absolute, cfg.Project.FrameworkPackage, overrides, os.Getenv)
	// Expand once so unknown variables fail at load time.
	if _, err := cfg.Entries(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LogPath returns the diagnostics log location
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "patchguard.log")
}

// JournalPath returns the patch journal location
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journal.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// PatchCommand returns the executable used to apply patches.
func (c *Config) PatchCommand() string {
	return c.Project.PatchCommand
}

// SentinelSuffix returns the suffix appended to targets to form marker paths.
func (c *Config) SentinelSuffix() string {
	return c.Project.SentinelSuffix
}

// Entry is a patch entry with every path expanded and made absolute.
type Entry struct {
	Name    string
	Patch   string
	Target  string
	Enabled bool
}

// Entries returns every configured entry with its paths resolved, in config order.
// An unnamed entry is named after its expanded target. Two entries may not
// share a target since they would share a sentinel.
func (c *Config) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(c.Project.Patches))
	targets := make(map[string]int, len(c.Project.Patches))
	for i, p := range c.Project.Patches {
		patch, err := c.ExpandPath(p.Patch)
		if err != nil {
			return nil, fmt.Errorf("config: patches[%d].patch: %w", i, err)
		}
		target, err := c.ExpandPath(p.Target)
		if err != nil {
			return nil, fmt.Errorf("config: patches[%d].target: %w", i, err)
		}
		if prev, ok := targets[target]; ok {
			return nil, fmt.Errorf("config: patches[%d]: target %s already used by patches[%d]", i, target, prev)
		}
		targets[target] = i
		name := p.Name
		if name == "" {
			name = target
		}
		entries = append(entries, Entry{
			Name:    name,
			Patch:   patch,
			Target:  target,
			Enabled: p.IsEnabled(),
		})
	}
	return entries, nil
}

// ExpandPath substitutes ${VAR} references and resolves relative results
// against the project directory.
func (c *Config) ExpandPath(raw string) (string, error) {
	var unknown []string
	expanded := os.Expand(strings.TrimSpace(raw), func(name string) string {
		value, ok := c.Vars[name]
		if !ok {
			unknown = append(unknown, name)
		}
		return value
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown variable(s) %s in %q", strings.Join(unknown, ", "), raw)
	}
	return resolvePath(c.ProjectDir, expanded), nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed, err := parseProjectConfig(data)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.Project = parsed
	return nil
}

func parseProjectConfig(data []byte) (ProjectConfig, error) {
	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return ProjectConfig{}, err
	}
	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return ProjectConfig{}, err
	}
	return parsed, nil
}

func defaultProjectConfig() ProjectConfig {
	parsed, err := parseProjectConfig([]byte(defaultProjectConfigYAML))
	if err != nil {
		panic(fmt.Sprintf("config: built-in default is invalid: %v", err))
	}
	return parsed
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.PatchCommand) == "" {
		pc.PatchCommand = defaultPatchCommand
	}
	if strings.TrimSpace(pc.SentinelSuffix) == "" {
		pc.SentinelSuffix = DefaultSentinelSuffix
	}
	if strings.TrimSpace(pc.FrameworkPackage) == "" {
		pc.FrameworkPackage = defaultFrameworkPackage
	}
}

func (pc *ProjectConfig) normalize() {
	pc.PatchCommand = strings.TrimSpace(pc.PatchCommand)
	pc.SentinelSuffix = strings.TrimSpace(pc.SentinelSuffix)
	pc.FrameworkPackage = strings.TrimSpace(pc.FrameworkPackage)
	for i := range pc.Patches {
		pc.Patches[i].Name = strings.TrimSpace(pc.Patches[i].Name)
		pc.Patches[i].Patch = strings.TrimSpace(pc.Patches[i].Patch)
		pc.Patches[i].Target = strings.TrimSpace(pc.Patches[i].Target)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if strings.ContainsAny(pc.SentinelSuffix, `/\`) {
		return fmt.Errorf("sentinel_suffix must not contain path separators")
	}
	seen := make(map[string]int)
	for i, p := range pc.Patches {
		if p.Patch == "" {
			return fmt.Errorf("patches[%d]: patch is required", i)
		}
		if p.Target == "" {
			return fmt.Errorf("patches[%d]: target is required", i)
		}
		if p.Name == "" {
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			return fmt.Errorf("patches[%d]: duplicate name %q (also patches[%d])", i, p.Name, prev)
		}
		seen[p.Name] = i
	}
	return nil
}

// VarNames returns the expansion variables in a stable order.
func (c *Config) VarNames() []string {
	names := make([]string, 0, len(c.Vars))
	for name := range c.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveVars(projectDir, frameworkPackage string, overrides Overrides, getenv func(string) string) map[string]string {
	libDeps := firstNonEmpty(overrides.LibDepsDir, getenv(VarLibDepsDir), filepath.Join(projectDir, ".pio", "libdeps"))
	packages := firstNonEmpty(getenv(VarPackagesDir), getenv("PLATFORMIO_PACKAGES_DIR"), defaultPackagesDir())
	framework := firstNonEmpty(overrides.FrameworkDir, getenv(VarFrameworkDir), filepath.Join(packages, frameworkPackage))
	return map[string]string{
		VarProjectDir:   projectDir,
		VarLibDepsDir:   resolvePath(projectDir, libDeps),
		VarPackagesDir:  resolvePath(projectDir, packages),
		VarFrameworkDir: resolvePath(projectDir, framework),
	}
}

func defaultPackagesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".platformio", "packages")
	}
	return filepath.Join(home, ".platformio", "packages")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
