// Package catalog discovers tools from a set of providers and exposes
// a stable view for the engine: descriptors for the model, a handle to
// invoke any tool by name, and the set of providers that failed to
// start.
package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Descriptor identifies one tool in the catalog.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Provider    string         `json:"provider"`
}

// Provider exposes a set of named tools over some transport. Providers
// must support concurrent Invoke calls.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]Descriptor, error)
	Invoke(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Catalog is the read-mostly tool registry built once per process.
type Catalog struct {
	tools       map[string]Descriptor
	order       []string
	providers   map[string]Provider
	unavailable map[string]bool
}

// Discover lists tools from every provider concurrently. A provider
// that fails to answer is recorded as unavailable, its tools are
// excluded and the rest of the catalog is kept usable.
func Discover(ctx context.Context, providers []Provider, logger *log.Logger) *Catalog {
	c := &Catalog{
		tools:       make(map[string]Descriptor),
		providers:   make(map[string]Provider),
		unavailable: make(map[string]bool),
	}

	type listing struct {
		provider Provider
		tools    []Descriptor
		err      error
	}
	results := make([]listing, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			tools, err := p.ListTools(ctx)
			results[i] = listing{provider: p, tools: tools, err: err}
		}(i, p)
	}
	wg.Wait()

	for _, r := range results {
		name := r.provider.Name()
		if r.err != nil {
			if logger != nil {
				logger.Printf("provider %s unavailable: %v", name, r.err)
			}
			c.unavailable[name] = true
			continue
		}
		c.providers[name] = r.provider
		for _, tool := range r.tools {
			if _, exists := c.tools[tool.Name]; exists {
				if logger != nil {
					logger.Printf("duplicate tool %s from provider %s ignored", tool.Name, name)
				}
				continue
			}
			tool.Provider = name
			c.tools[tool.Name] = tool
			c.order = append(c.order, tool.Name)
		}
	}
	return c
}

// Descriptors returns every tool in discovery order.
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Has reports whether the named tool is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// ProviderOf returns the owning provider name for a tool, or "unknown".
func (c *Catalog) ProviderOf(name string) string {
	if tool, ok := c.tools[name]; ok {
		return tool.Provider
	}
	return "unknown"
}

// Unavailable returns the providers that failed discovery, sorted.
func (c *Catalog) Unavailable() []string {
	out := make([]string, 0, len(c.unavailable))
	for name := range c.unavailable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Providers returns the names of providers that answered discovery,
// sorted.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filter returns a view narrowed to tools owned by the given providers.
// An empty filter returns the catalog unchanged: ambiguous intent must
// not starve the model of tools.
func (c *Catalog) Filter(providers map[string]bool) *Catalog {
	if len(providers) == 0 {
		return c
	}
	filtered := &Catalog{
		tools:       make(map[string]Descriptor),
		providers:   make(map[string]Provider),
		unavailable: c.unavailable,
	}
	for _, name := range c.order {
		tool := c.tools[name]
		if !providers[tool.Provider] {
			continue
		}
		filtered.tools[name] = tool
		filtered.order = append(filtered.order, name)
		filtered.providers[tool.Provider] = c.providers[tool.Provider]
	}
	return filtered
}

// Invoke validates args against the tool's schema and calls through to
// the owning provider. Validation failures surface as ordinary errors
// so the caller can fold them into a tool result.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := c.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %q is not available", name)
	}
	if err := validateArgs(tool, args); err != nil {
		return "", err
	}
	provider, ok := c.providers[tool.Provider]
	if !ok {
		return "", fmt.Errorf("provider %q for tool %q is not available", tool.Provider, name)
	}
	return provider.Invoke(ctx, name, args)
}

// validateArgs checks that every schema-required argument is present.
// Full schema validation is the provider's job; this only catches calls
// that would certainly fail.
func validateArgs(tool Descriptor, args map[string]any) error {
	required, ok := tool.InputSchema["required"].([]any)
	if !ok {
		return nil
	}
	for _, field := range required {
		name, ok := field.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			return fmt.Errorf("tool %q requires argument %q", tool.Name, name)
		}
	}
	return nil
}
