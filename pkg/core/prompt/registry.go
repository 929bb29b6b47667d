package prompt

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Registry holds all loaded prompt templates.
type Registry struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

var globalRegistry *Registry
var once sync.Once

// Get returns the global registry singleton, pre-seeded with the
// built-in defaults.
func Get() *Registry {
	once.Do(func() {
		globalRegistry = NewRegistry()
		globalRegistry.RegisterDefaults()
	})
	return globalRegistry
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds a template to the registry, replacing any existing
// template with the same ID.
func (r *Registry) Register(t *Template) error {
	if t.ID == "" {
		return eris.New("prompt: template ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates[t.ID] = t
	return nil
}

// RegisterDefaults installs the built-in templates.
func (r *Registry) RegisterDefaults() {
	for _, t := range Defaults() {
		_ = r.Register(t)
	}
}

// Template retrieves a template by ID.
func (r *Registry) Template(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.templates[id]; ok {
		return t, nil
	}
	return nil, eris.Errorf("prompt: template not found: %s", id)
}

// List returns all registered template IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Clear removes all templates (useful for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = make(map[string]*Template)
}
