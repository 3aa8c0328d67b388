package forge

import (
	"errors"

	"github.com/gookit/color"
)

// Build information, overridden at link time.
var (
	version   = "dev"
	buildDate = "unknown"
)

// Sentinel errors shared across the package.
var (
	ErrNoPrefix            = errors.New("no prefix configured")
	ErrInvalidSatisfyOrder = errors.New("invalid satisfy_order value")
	ErrRecipeNotFound      = errors.New("recipe not found")
	ErrUnsupportedScheme   = errors.New("unsupported source scheme")
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
