package workflow

import (
	"sort"
	"sync"
)

// Catalog resolves template ids. The catalog itself (its contents, where it
// ships from) is an external concern; the engine only needs lookup.
type Catalog interface {
	Template(id string) (Template, bool)
	List() []Template
}

// MemoryCatalog is a concurrency-safe in-memory Catalog, used by the app
// wiring and by tests.
type MemoryCatalog struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewMemoryCatalog(templates ...Template) *MemoryCatalog {
	c := &MemoryCatalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.templates[t.ID] = t
	}
	return c
}

func (c *MemoryCatalog) Register(t Template) {
	c.mu.Lock()
	c.templates[t.ID] = t
	c.mu.Unlock()
}

func (c *MemoryCatalog) Template(id string) (Template, bool) {
	c.mu.RLock()
	t, ok := c.templates[id]
	c.mu.RUnlock()
	return t, ok
}

func (c *MemoryCatalog) List() []Template {
	c.mu.RLock()
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
