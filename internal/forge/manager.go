package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// PackageManager is the meta package manager. It decides, from the
// configuration, which backends may satisfy a package and in what order,
// then dispatches each operation to them until one succeeds.
type PackageManager struct {
	Out io.Writer // receives the output tail of failed builds; defaults to os.Stderr

	prefix  Prefix
	src     Backend
	order   []Backend
	recipes RecipeProvider
	logger  *log.Logger
}

// NewPackageManager builds the backend order from satisfy_order. Native
// backends listed in packagers that are unknown or unsupported on this
// host are skipped; an unknown satisfy_order token is an error.
func NewPackageManager(cfg *Config, registry Registry, src Backend, recipes RecipeProvider, logger *log.Logger) (*PackageManager, error) {
	logger = childLogger(logger, "PackageManager")
	prefix, err := cfg.ActivePrefix()
	if err != nil {
		logger.Error("No prefix specified. Aborting.")
		return nil, err
	}

	var native []Backend
	for _, name := range cfg.List("packagers") {
		logger.Debug("Attempting to add binary package manager", "name", name)
		b, err := registry.Create(name)
		if err != nil {
			logger.Warn("This binary package manager can't be instantiated", "name", name, "err", err)
			continue
		}
		if !b.Supported() {
			logger.Debug("binary package manager not supported here", "name", name)
			continue
		}
		logger.Debug("binary package manager is supported", "name", name)
		native = append(native, b)
	}

	var order []Backend
	for _, token := range cfg.List("satisfy_order") {
		switch Class(token) {
		case ClassSource:
			order = append(order, src)
		case ClassNative:
			order = append(order, native...)
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidSatisfyOrder, token)
		}
	}

	return &PackageManager{
		Out:     os.Stderr,
		prefix:  prefix,
		src:     src,
		order:   order,
		recipes: recipes,
		logger:  logger,
	}, nil
}

// Packagers returns the backends tried for name, in order. Packages
// flagged forcebuild only use the source backend.
func (pm *PackageManager) Packagers(name string) []Backend {
	if pm.prefix.ForceBuild(name) {
		return []Backend{pm.src}
	}
	return pm.order
}

// Exists returns the first version a backend can provide that is at least
// required. An empty required accepts any version; "" means not found.
func (pm *PackageManager) Exists(ctx context.Context, name, required string) (string, error) {
	return pm.query(ctx, name, required, Backend.Exists)
}

// Installed returns the first installed version that is at least
// required, or "" when no backend reports one.
func (pm *PackageManager) Installed(ctx context.Context, name, required string) (string, error) {
	return pm.query(ctx, name, required, Backend.Installed)
}

// Install installs name with the first backend that succeeds.
func (pm *PackageManager) Install(ctx context.Context, name string) (bool, error) {
	return pm.dispatch(ctx, name, "install", Backend.Install)
}

// Update updates name with the first backend that succeeds.
func (pm *PackageManager) Update(ctx context.Context, name string) (bool, error) {
	return pm.dispatch(ctx, name, "update", Backend.Update)
}

// Remove uninstalls name through the first backend that supports removal
// and succeeds.
func (pm *PackageManager) Remove(ctx context.Context, name string) (bool, error) {
	return pm.dispatch(ctx, name, "remove", func(b Backend, ctx context.Context, r *Recipe) (bool, error) {
		rm, ok := b.(Remover)
		if !ok {
			return false, nil
		}
		return rm.Remove(ctx, r)
	})
}

func (pm *PackageManager) query(ctx context.Context, name, required string,
	op func(Backend, context.Context, *Recipe) (string, error)) (string, error) {
	if required != "" {
		if _, err := ParseVersion(required); err != nil {
			return "", err
		}
	}
	r, err := pm.recipes.GetRecipe(name)
	if err != nil {
		return "", err
	}

	for _, b := range pm.Packagers(name) {
		version, err := op(b, ctx, r)
		if err != nil {
			pm.logger.Warn("query failed", "pkg", name, "packager", b.Name(), "err", err)
			continue
		}
		if version == "" {
			continue
		}
		if required == "" {
			return version, nil
		}
		ok, err := CompareVersions(version, required, ">=")
		if err != nil {
			pm.logger.Warn("packager reported an unusable version", "pkg", name, "packager", b.Name(), "err", err)
			continue
		}
		if ok {
			return version, nil
		}
		pm.logger.Debug("version too old", "pkg", name, "packager", b.Name(), "have", version, "want", required)
	}
	return "", nil
}

// dispatch tries op on every backend in order. Backend errors are logged
// and the next backend is tried; only a failed recipe lookup or a
// cancelled context ends the loop early.
func (pm *PackageManager) dispatch(ctx context.Context, name, verb string,
	op func(Backend, context.Context, *Recipe) (bool, error)) (bool, error) {
	r, err := pm.recipes.GetRecipe(name)
	if err != nil {
		return false, err
	}

	for _, b := range pm.Packagers(name) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := op(b, ctx, r)
		if err != nil {
			pm.logger.Error(fmt.Sprintf("Something went wrong while trying to %s %s using %s", verb, name, b.Name()), "err", err)
			var be *BuildError
			if errors.As(err, &be) && be.Output != "" {
				fmt.Fprintln(pm.Out, colNote.Sprint("Last output of "+be.Stage+":"))
				fmt.Fprintln(pm.Out, be.Output)
			}
			continue
		}
		if ok {
			pm.logger.Debug(verb+" succeeded", "pkg", name, "packager", b.Name())
			return true, nil
		}
	}
	return false, nil
}
