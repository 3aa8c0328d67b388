package forge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// envPrefix marks environment variables that override config keys.
const envPrefix = "FORGE_"

// Scope is one layer of the configuration cascade. Keys are lower-case.
type Scope struct {
	Name   string
	Values map[string]string
}

// PackageOptions are per-package settings from the package database.
type PackageOptions struct {
	ForceBuild bool `yaml:"forcebuild" toml:"forcebuild"`
}

// Prefix is the installation target of a build.
type Prefix struct {
	Dir           string
	SrcDir        string
	InventoryPath string
	LogDir        string
	CacheDir      string
	Packages      map[string]PackageOptions
}

// ForceBuild reports whether name must always be built from source.
func (p Prefix) ForceBuild(name string) bool {
	return p.Packages[name].ForceBuild
}

// Config is an ordered cascade of scopes. The override scope (Set and
// FORGE_* variables) is consulted first, the built-in defaults last.
type Config struct {
	overrides Scope
	scopes    []Scope
	defaults  Scope
	packages  map[string]PackageOptions
}

// configFile is the on-disk shape shared by YAML and TOML files.
type configFile struct {
	Config   map[string]any            `yaml:"config" toml:"config"`
	Packages map[string]PackageOptions `yaml:"packages" toml:"packages"`
}

// defaultConfigPaths lists the implicit config files, most specific first.
func defaultConfigPaths() []string {
	paths := []string{filepath.Join(".forge", "config.yml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".forge", "config.yml"))
	}
	return append(paths, "/etc/forge/config.yml")
}

func defaultScope() Scope {
	prefix := filepath.Join(os.TempDir(), "forge", "prefix")
	if home, err := os.UserHomeDir(); err == nil {
		prefix = filepath.Join(home, ".forge", "prefix")
	}
	return Scope{Name: "defaults", Values: map[string]string{
		"satisfy_order": "native, src",
		"packagers":     "apt, dnf, pkgconfig",
		"makewidth":     strconv.Itoa(runtime.NumCPU()),
		"prefix":        prefix,
		"recipes":       "recipes",
		"strict_vars":   "false",
		"keep_logs":     "true",
		"idle_priority": "false",
	}}
}

// NewConfig creates a config from explicit scopes (most specific first)
// on top of the built-in defaults.
func NewConfig(scopes ...Scope) *Config {
	return &Config{
		overrides: Scope{Name: "overrides", Values: map[string]string{}},
		scopes:    scopes,
		defaults:  defaultScope(),
		packages:  map[string]PackageOptions{},
	}
}

// LoadConfig reads the explicit files (which must exist), then the
// implicit locations (skipped when missing), and merges FORGE_* variables.
func LoadConfig(explicit []string) (*Config, error) {
	cfg := NewConfig()
	for _, p := range explicit {
		if err := cfg.addFile(p, true); err != nil {
			return nil, err
		}
	}
	for _, p := range defaultConfigPaths() {
		if err := cfg.addFile(p, false); err != nil {
			return nil, err
		}
	}
	mergeEnvOverrides(cfg)
	return cfg, nil
}

func (c *Config) addFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var f configFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	scope := Scope{Name: path, Values: make(map[string]string, len(f.Config))}
	for k, v := range f.Config {
		scope.Values[strings.ToLower(k)] = fmt.Sprint(v)
	}
	c.scopes = append(c.scopes, scope)

	// Files are added most specific first, so the first mention of a
	// package wins.
	for name, opts := range f.Packages {
		if _, ok := c.packages[name]; !ok {
			c.packages[name] = opts
		}
	}
	return nil
}

// mergeEnvOverrides copies FORGE_* variables into the override scope.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		if key == "" || key == "sdk" {
			continue
		}
		cfg.overrides.Values[key] = parts[1]
	}
}

// Cascade returns all scopes, most specific first.
func (c *Config) Cascade() []Scope {
	out := make([]Scope, 0, len(c.scopes)+2)
	out = append(out, c.overrides)
	out = append(out, c.scopes...)
	return append(out, c.defaults)
}

// Get returns the value of key from the most specific scope defining it.
func (c *Config) Get(key string) string {
	key = strings.ToLower(key)
	for _, s := range c.Cascade() {
		if v, ok := s.Values[key]; ok {
			return v
		}
	}
	return ""
}

// GetBool parses key as a boolean; unset or malformed values are false.
func (c *Config) GetBool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(c.Get(key)))
	return b
}

// List splits a comma-separated value, dropping empty items.
func (c *Config) List(key string) []string {
	var out []string
	for _, item := range strings.Split(c.Get(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Set stores value in the override scope.
func (c *Config) Set(key, value string) {
	c.overrides.Values[strings.ToLower(key)] = value
}

// SetPackageOptions replaces the options for one package.
func (c *Config) SetPackageOptions(name string, opts PackageOptions) {
	c.packages[name] = opts
}

// TemplateVars flattens the cascade into one map; more specific scopes
// win. The result is a fresh copy.
func (c *Config) TemplateVars() map[string]string {
	cascade := c.Cascade()
	out := map[string]string{}
	for i := len(cascade) - 1; i >= 0; i-- {
		for k, v := range cascade[i].Values {
			out[k] = v
		}
	}
	return out
}

// ActivePrefix resolves the prefix directory layout.
func (c *Config) ActivePrefix() (Prefix, error) {
	dir := strings.TrimSpace(c.Get("prefix"))
	if dir == "" {
		return Prefix{}, ErrNoPrefix
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	meta := filepath.Join(dir, ".forge")
	pkgs := make(map[string]PackageOptions, len(c.packages))
	for k, v := range c.packages {
		pkgs[k] = v
	}
	return Prefix{
		Dir:           dir,
		SrcDir:        filepath.Join(dir, "src"),
		InventoryPath: filepath.Join(meta, "inventory.json"),
		LogDir:        filepath.Join(meta, "logs"),
		CacheDir:      filepath.Join(meta, "cache"),
		Packages:      pkgs,
	}, nil
}
