package spidermw

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// Entry is one resolved chain position. Hook capabilities are resolved once
// when the chain is built.
type Entry struct {
	Name       string
	Priority   int
	Middleware Middleware

	input     InputProcessor
	output    OutputProcessor
	exception ExceptionProcessor
}

// HasInput reports whether the middleware implements InputProcessor.
func (e Entry) HasInput() bool { return e.input != nil }

// HasOutput reports whether the middleware implements OutputProcessor.
func (e Entry) HasOutput() bool { return e.output != nil }

// HasException reports whether the middleware implements ExceptionProcessor.
func (e Entry) HasException() bool { return e.exception != nil }

// Chain is an immutable, priority-ordered list of middlewares.
type Chain struct {
	entries []Entry
}

// Build validates registrations and orders them by ascending priority. Equal
// priorities keep registration order. An empty Name defaults to the
// middleware's type name.
func Build(regs []Registration) (*Chain, error) {
	entries := make([]Entry, 0, len(regs))
	seen := make(map[Middleware]string, len(regs))
	names := make(map[string]struct{}, len(regs))
	for i, reg := range regs {
		if reg.Middleware == nil {
			return nil, fmt.Errorf("registration %d (%q): %w", i, reg.Name, ErrNilMiddleware)
		}
		name := reg.Name
		if name == "" {
			name = fmt.Sprintf("%T", reg.Middleware)
		}
		if !reflect.TypeOf(reg.Middleware).Comparable() {
			return nil, fmt.Errorf("%s: %w", name, ErrNotComparable)
		}
		if prev, ok := seen[reg.Middleware]; ok {
			return nil, fmt.Errorf("%s (already registered as %s): %w", name, prev, ErrDuplicateMiddleware)
		}
		if _, ok := names[name]; ok {
			return nil, fmt.Errorf("%s: %w", name, ErrDuplicateName)
		}
		entry := Entry{Name: name, Priority: reg.Priority, Middleware: reg.Middleware}
		entry.input, _ = reg.Middleware.(InputProcessor)
		entry.output, _ = reg.Middleware.(OutputProcessor)
		entry.exception, _ = reg.Middleware.(ExceptionProcessor)
		if !entry.HasInput() && !entry.HasOutput() && !entry.HasException() {
			return nil, fmt.Errorf("%s: %w", name, ErrNoHooks)
		}
		seen[reg.Middleware] = name
		names[name] = struct{}{}
		entries = append(entries, entry)
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return &Chain{entries: entries}, nil
}

// BuildFromPriorities builds a chain from a name to priority mapping, resolving
// each name through lookup. Names are registered in sorted order, so equal
// priorities are ordered by name.
func BuildFromPriorities(priorities map[string]int, lookup Lookup) (*Chain, error) {
	regs := make([]Registration, 0, len(priorities))
	for _, name := range slices.Sorted(maps.Keys(priorities)) {
		mw, err := lookup(name)
		if err != nil {
			return nil, fmt.Errorf("resolve middleware %q: %w", name, err)
		}
		if mw == nil {
			return nil, fmt.Errorf("resolve middleware %q: %w", name, ErrUnknownMiddleware)
		}
		regs = append(regs, Registration{Name: name, Priority: priorities[name], Middleware: mw})
	}
	return Build(regs)
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Ascending returns the entries from the engine side to the callback side.
func (c *Chain) Ascending() []Entry {
	if c == nil {
		return nil
	}
	return slices.Clone(c.entries)
}

// Descending returns the entries from the callback side to the engine side.
func (c *Chain) Descending() []Entry {
	out := c.Ascending()
	slices.Reverse(out)
	return out
}

// Names returns middleware names in ascending order.
func (c *Chain) Names() []string {
	names := make([]string, 0, c.Len())
	for _, e := range c.Ascending() {
		names = append(names, e.Name)
	}
	return names
}
