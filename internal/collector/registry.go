package collector

import (
	"errors"
	"sort"
	"sync"

	"github.com/playok/fitalert/internal/model"
)

var ErrCollectorNotFound = errors.New("collector not found")

// Registry manages collector registration and enabled state.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	enabled    map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]Collector),
		enabled:    make(map[string]bool),
	}
}

// Builtin returns a registry holding the host collectors, with the ids in
// enabled switched on. Unknown ids are returned so the caller can report them.
func Builtin(enabled []string) (*Registry, []string) {
	r := NewRegistry()
	r.Register(NewCPUCollector())
	r.Register(NewMemoryCollector())
	r.Register(NewDiskCollector())

	var unknown []string
	for _, id := range enabled {
		if err := r.Enable(id); err != nil {
			unknown = append(unknown, id)
		}
	}
	return r, unknown
}

// Register adds a collector to the registry, disabled.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.ID()] = c
}

// Enable enables a collector.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable disables a collector.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collectors[id]; !ok {
		return ErrCollectorNotFound
	}
	r.enabled[id] = on
	return nil
}

// IsEnabled returns whether a collector is enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[id]
}

// GetCollector returns a collector by ID.
func (r *Registry) GetCollector(id string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[id]
	return c, ok
}

// ListCollectors returns info about all registered collectors, sorted by ID.
func (r *Registry) ListCollectors() []model.CollectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.CollectorInfo, 0, len(r.collectors))
	for id, c := range r.collectors {
		result = append(result, model.CollectorInfo{
			ID:          id,
			Name:        c.Name(),
			Description: c.Description(),
			Category:    c.Category(),
			Enabled:     r.enabled[id],
			Metrics:     c.MetricNames(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// EnabledCollectors returns all currently enabled collectors, sorted by ID.
func (r *Registry) EnabledCollectors() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Collector
	for id, c := range r.collectors {
		if r.enabled[id] {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}
