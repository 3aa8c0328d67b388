package forge

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

// Recipe describes how to fetch, build and install one package.
type Recipe struct {
	ID           string
	Srcs         []string // scheme-prefixed source URIs, tried in order
	InstallDir   string   // build directory, relative to the package source dir
	Version      string   // declared version, may be empty
	SrcConfigure string
	SrcMake      string
	SrcInstall   string
	SrcUninstall string
	Vars         map[string]string // recipe-local template variables
	Satisfy      map[string]string // native package name per backend
	Depends      []string
}

// RecipeProvider looks up recipes by package name.
type RecipeProvider interface {
	GetRecipe(name string) (*Recipe, error)
}

// Recipe defaults applied when a recipe leaves a field empty.
const (
	defaultInstallDir = "build"
	defaultMake       = "make -j$makewidth"
	defaultInstall    = "make install"
	defaultUninstall  = "make uninstall"
)

// stringList accepts either a scalar or a sequence of strings.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value != "" {
			*l = []string{n.Value}
		}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", n.Line)
}

type recipeFile struct {
	Source     stringList        `yaml:"source"`
	InstallDir string            `yaml:"installdir"`
	Version    string            `yaml:"version"`
	Configure  string            `yaml:"configure"`
	Make       string            `yaml:"make"`
	Install    string            `yaml:"install"`
	Uninstall  string            `yaml:"uninstall"`
	Vars       map[string]any    `yaml:"vars"`
	Satisfy    map[string]string `yaml:"satisfy"`
	Depends    stringList        `yaml:"depends"`
}

// ParseRecipe decodes a YAML recipe for package id.
func ParseRecipe(id string, data []byte) (*Recipe, error) {
	var rf recipeFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recipe %s: %w", id, err)
	}

	r := &Recipe{
		ID:           id,
		Srcs:         []string(rf.Source),
		InstallDir:   rf.InstallDir,
		Version:      rf.Version,
		SrcConfigure: rf.Configure,
		SrcMake:      rf.Make,
		SrcInstall:   rf.Install,
		SrcUninstall: rf.Uninstall,
		Vars:         make(map[string]string, len(rf.Vars)),
		Satisfy:      rf.Satisfy,
		Depends:      []string(rf.Depends),
	}
	for k, v := range rf.Vars {
		r.Vars[k] = fmt.Sprint(v)
	}
	if r.Satisfy == nil {
		r.Satisfy = map[string]string{}
	}
	if r.InstallDir == "" {
		r.InstallDir = defaultInstallDir
	}
	if r.SrcMake == "" {
		r.SrcMake = defaultMake
	}
	if r.SrcInstall == "" {
		r.SrcInstall = defaultInstall
	}
	if r.SrcUninstall == "" {
		r.SrcUninstall = defaultUninstall
	}
	return r, nil
}

// recipeExtensions are tried in order when looking up a recipe file.
var recipeExtensions = []string{".yml", ".yaml", ".lwr"}

// RecipeDir loads recipes from YAML files named <pkg>.yml in a list of
// directories; earlier directories win.
type RecipeDir struct {
	Dirs []string
}

// NewRecipeDir builds a provider from a colon-separated directory list.
func NewRecipeDir(paths string) *RecipeDir {
	var dirs []string
	for _, d := range filepath.SplitList(paths) {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return &RecipeDir{Dirs: dirs}
}

// GetRecipe returns a freshly parsed recipe for name.
func (d *RecipeDir) GetRecipe(name string) (*Recipe, error) {
	for _, dir := range d.Dirs {
		for _, ext := range recipeExtensions {
			data, err := os.ReadFile(filepath.Join(dir, name+ext))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading recipe %s: %w", name, err)
			}
			return ParseRecipe(name, data)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, name)
}

// List returns the names of all recipes found, sorted and de-duplicated.
func (d *RecipeDir) List() ([]string, error) {
	seen := map[string]bool{}
	for _, dir := range d.Dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			for _, known := range recipeExtensions {
				if ext == known {
					seen[strings.TrimSuffix(e.Name(), ext)] = true
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
