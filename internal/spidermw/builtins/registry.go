package builtins

import (
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
)

// Middleware names accepted in configuration.
const (
	NameHTTPError    = "httperror"
	NameOffsite      = "offsite"
	NameReferer      = "referer"
	NameURLLength    = "urllength"
	NameDepth        = "depth"
	NameLogException = "logexception"
)

// Config carries the settings the built-in middlewares read.
type Config struct {
	AllowedDomains    []string
	MaxURLLength      int
	MaxDepth          int
	DepthPriority     int
	HTTPErrorAllowed  []int
	HTTPErrorAllowAll bool
}

// DefaultPriorities is the base chain. Lower values sit closer to the engine.
func DefaultPriorities() map[string]int {
	return map[string]int{
		NameHTTPError:    50,
		NameOffsite:      500,
		NameReferer:      700,
		NameURLLength:    800,
		NameDepth:        900,
		NameLogException: 950,
	}
}

// Priorities merges overrides into the defaults and removes disabled names.
// A negative override also disables the middleware.
func Priorities(overrides map[string]int, disabled []string) map[string]int {
	merged := DefaultPriorities()
	maps.Copy(merged, overrides)
	for name, p := range merged {
		if p < 0 {
			delete(merged, name)
		}
	}
	for _, name := range disabled {
		delete(merged, name)
	}
	return merged
}

// Lookup resolves built-in names, creating a fresh middleware per call.
func Lookup(cfg Config, logger *zap.Logger) spidermw.Lookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(name string) (spidermw.Middleware, error) {
		named := logger.Named("spidermw." + name)
		switch name {
		case NameHTTPError:
			return NewHTTPErrorMiddleware(cfg.HTTPErrorAllowed, cfg.HTTPErrorAllowAll, named), nil
		case NameOffsite:
			return NewOffsiteMiddleware(cfg.AllowedDomains, named), nil
		case NameReferer:
			return &RefererMiddleware{}, nil
		case NameURLLength:
			return NewURLLengthMiddleware(cfg.MaxURLLength, named), nil
		case NameDepth:
			return NewDepthMiddleware(cfg.MaxDepth, cfg.DepthPriority, named), nil
		case NameLogException:
			return NewLogExceptionMiddleware(named), nil
		default:
			return nil, fmt.Errorf("%q: %w", name, spidermw.ErrUnknownMiddleware)
		}
	}
}

// BuildChain assembles the chain for the given priorities.
func BuildChain(priorities map[string]int, cfg Config, logger *zap.Logger) (*spidermw.Chain, error) {
	chain, err := spidermw.BuildFromPriorities(priorities, Lookup(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("build spider middleware chain: %w", err)
	}
	return chain, nil
}
