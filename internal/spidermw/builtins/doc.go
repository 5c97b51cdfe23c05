// Package builtins provides the stock spider middlewares and the registry
// used to assemble them into a chain from configuration.
package builtins
