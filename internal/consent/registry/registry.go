// Package registry defines consent categories, their dependency graph, and
// per-region requirements. Categories are registered at process start by the
// wiring code or by collaborating modules; registration validates duplicates,
// unknown dependencies, and cycles up front so the mutation path never has to.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Requirement is a category's legal posture in one region.
type Requirement string

const (
	RequirementMandatory Requirement = "mandatory"
	RequirementOptional  Requirement = "optional"
	RequirementForbidden Requirement = "forbidden"
)

// IsValid checks if the requirement is one of the supported enum values.
func (r Requirement) IsValid() bool {
	return r == RequirementMandatory || r == RequirementOptional || r == RequirementForbidden
}

// Category describes one consent purpose. Construct with NewCategory so
// malformed definitions are rejected at construction, not at use.
type Category struct {
	ID              id.CategoryID
	Label           string
	Dependencies    []id.CategoryID
	Requirements    map[id.Region]Requirement
	GatedServices   []id.ServiceID
	RetentionPeriod time.Duration
}

// NewCategory validates shape-level invariants of a category definition.
// Graph-level invariants (unknown dependencies, cycles) are checked at
// registration time when the rest of the graph is known.
func NewCategory(categoryID id.CategoryID, label string, opts ...CategoryOption) (Category, error) {
	if categoryID == "" {
		return Category{}, dErrors.New(dErrors.CodeValidation, "category ID is required")
	}
	if label == "" {
		return Category{}, dErrors.New(dErrors.CodeValidation, "category label is required")
	}
	c := Category{
		ID:           categoryID,
		Label:        label,
		Requirements: make(map[id.Region]Requirement),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if slices.Contains(c.Dependencies, categoryID) {
		return Category{}, dErrors.New(dErrors.CodeDependencyCycle, "category cannot depend on itself")
	}
	for region, req := range c.Requirements {
		if !req.IsValid() {
			return Category{}, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("invalid requirement %q for region %s", req, region))
		}
	}
	return c, nil
}

// CategoryOption configures a Category under construction.
type CategoryOption func(*Category)

// WithDependencies sets the categories that must be granted before this one.
func WithDependencies(deps ...id.CategoryID) CategoryOption {
	return func(c *Category) { c.Dependencies = deps }
}

// WithRequirement sets the category's posture in one region.
func WithRequirement(region id.Region, req Requirement) CategoryOption {
	return func(c *Category) { c.Requirements[region] = req }
}

// WithGatedServices sets the downstream services gated by this category.
func WithGatedServices(services ...id.ServiceID) CategoryOption {
	return func(c *Category) { c.GatedServices = services }
}

// WithRetention sets the withdrawal-to-deletion delay for this category.
func WithRetention(d time.Duration) CategoryOption {
	return func(c *Category) { c.RetentionPeriod = d }
}

// Registry is the catalog of registered categories. Registration is expected
// at process start, not per-request, but the registry is concurrent-safe
// regardless.
type Registry struct {
	mu         sync.RWMutex
	categories map[id.CategoryID]Category
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{categories: make(map[id.CategoryID]Category)}
}

// Register adds a category to the catalog. It rejects duplicate IDs, references
// to unregistered dependencies, and dependency graphs with a cycle.
func (r *Registry) Register(c Category) error {
	return r.RegisterAll(c)
}

// RegisterAll adds a batch of categories atomically. Dependencies may
// reference other categories within the same batch; this is the path where a
// cycle can actually be constructed, so the whole graph is re-checked before
// the batch is committed.
func (r *Registry) RegisterAll(categories ...Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[id.CategoryID]Category, len(categories))
	for _, c := range categories {
		if _, exists := r.categories[c.ID]; exists {
			return dErrors.New(dErrors.CodeConflict, "category already registered: "+string(c.ID))
		}
		if _, exists := staged[c.ID]; exists {
			return dErrors.New(dErrors.CodeConflict, "category already registered: "+string(c.ID))
		}
		staged[c.ID] = c
	}
	for _, c := range categories {
		for _, dep := range c.Dependencies {
			if _, known := r.categories[dep]; known {
				continue
			}
			if _, inBatch := staged[dep]; inBatch {
				continue
			}
			return dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("unknown dependency %q for category %q", dep, c.ID))
		}
	}

	for cid, c := range staged {
		r.categories[cid] = c
	}
	for cid := range staged {
		if cycle := r.findCycle(cid); cycle != nil {
			for sid := range staged {
				delete(r.categories, sid)
			}
			return dErrors.New(dErrors.CodeDependencyCycle,
				fmt.Sprintf("dependency cycle involving category %q", *cycle))
		}
	}
	return nil
}

// Get returns a registered category.
func (r *Registry) Get(categoryID id.CategoryID) (Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[categoryID]
	if !ok {
		return Category{}, dErrors.New(dErrors.CodeValidation, "unknown category: "+string(categoryID))
	}
	return c, nil
}

// Known reports whether a category is registered.
func (r *Registry) Known(categoryID id.CategoryID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.categories[categoryID]
	return ok
}

// All returns every registered category.
func (r *Registry) All() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered category ID in sorted order.
func (r *Registry) IDs() []id.CategoryID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]id.CategoryID, 0, len(r.categories))
	for cid := range r.categories {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out
}

// ResolveRequirements returns the merged mandatory and forbidden category sets
// for a region across all registered categories.
func (r *Registry) ResolveRequirements(region id.Region) (mandatory, forbidden []id.CategoryID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, c := range r.categories {
		switch c.Requirements[region] {
		case RequirementMandatory:
			mandatory = append(mandatory, cid)
		case RequirementForbidden:
			forbidden = append(forbidden, cid)
		}
	}
	slices.Sort(mandatory)
	slices.Sort(forbidden)
	return mandatory, forbidden
}

// DependencyClosure returns the transitive dependency set of a category,
// excluding the category itself. Grant validation requires every category in
// the closure to already be granted.
func (r *Registry) DependencyClosure(categoryID id.CategoryID) ([]id.CategoryID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.categories[categoryID]; !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown category: "+string(categoryID))
	}

	visited := make(map[id.CategoryID]bool)
	var walk func(cid id.CategoryID)
	walk = func(cid id.CategoryID) {
		for _, dep := range r.categories[cid].Dependencies {
			if !visited[dep] {
				visited[dep] = true
				walk(dep)
			}
		}
	}
	walk(categoryID)

	out := make([]id.CategoryID, 0, len(visited))
	for cid := range visited {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out, nil
}

// GatedBy returns the categories gating a downstream service.
func (r *Registry) GatedBy(service id.ServiceID) []id.CategoryID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []id.CategoryID
	for cid, c := range r.categories {
		if slices.Contains(c.GatedServices, service) {
			out = append(out, cid)
		}
	}
	slices.Sort(out)
	return out
}

// findCycle walks the graph from start and returns the ID of a category on a
// cycle, or nil. Registration order guarantees dependencies exist, so a cycle
// can only pass through the newly added node.
func (r *Registry) findCycle(start id.CategoryID) *id.CategoryID {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[id.CategoryID]int)

	var visit func(cid id.CategoryID) *id.CategoryID
	visit = func(cid id.CategoryID) *id.CategoryID {
		colors[cid] = gray
		for _, dep := range r.categories[cid].Dependencies {
			switch colors[dep] {
			case gray:
				return &dep
			case white:
				if found := visit(dep); found != nil {
					return found
				}
			}
		}
		colors[cid] = black
		return nil
	}
	return visit(start)
}
