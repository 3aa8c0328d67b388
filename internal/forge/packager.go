package forge

import (
	"context"
	"fmt"
	"sort"
)

// Class is the priority class of a backend, as named in satisfy_order.
type Class string

const (
	ClassSource Class = "src"
	ClassNative Class = "native"
)

// Backend is one strategy for satisfying a package.
//
// Exists and Installed return an empty version when the package is not
// available or not installed. Install and Update report an expected
// failure as (false, nil); a non-nil error is a backend failure that the
// PackageManager logs before moving on to the next backend.
type Backend interface {
	Name() string
	Class() Class
	Supported() bool
	Exists(ctx context.Context, r *Recipe) (string, error)
	Installed(ctx context.Context, r *Recipe) (string, error)
	Install(ctx context.Context, r *Recipe) (bool, error)
	Update(ctx context.Context, r *Recipe) (bool, error)
}

// Remover is implemented by backends that can uninstall a package.
type Remover interface {
	Remove(ctx context.Context, r *Recipe) (bool, error)
}

// Factory creates a native backend.
type Factory func() Backend

// Registry maps native backend names to their factories. It is built by
// the caller at startup.
type Registry map[string]Factory

// Create instantiates the backend registered under name.
func (reg Registry) Create(name string) (Backend, error) {
	factory, ok := reg[name]
	if !ok {
		return nil, fmt.Errorf("unknown packager %q (known: %v)", name, reg.Names())
	}
	return factory(), nil
}

// Names returns the registered backend names, sorted.
func (reg Registry) Names() []string {
	names := make([]string, 0, len(reg))
	for n := range reg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
