// Package registry holds the authoritative mapping from logical model
// names to backend deployments.
//
// Reads vastly outnumber writes (every routed request reads, only
// config reloads write), so the registry publishes an immutable
// snapshot behind an atomic pointer. Readers never take a lock and
// never observe a partially applied update; writers serialize among
// themselves and swap a fresh snapshot in one step.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Deployment is one concrete backend configuration serving a logical
// model. Immutable once registered; weight changes arrive as a full
// snapshot replacement on config reload.
type Deployment struct {
	// ID uniquely identifies the deployment across all models.
	ID string

	// Model is the caller-facing logical model name.
	Model string

	// Provider names the adapter that dispatches to this backend.
	// Opaque to the router.
	Provider string

	// BackendModel is the model name the backend expects. Empty means
	// same as Model.
	BackendModel string

	// BaseURL and APIKey are handed to the provider adapter untouched.
	BaseURL string
	APIKey  string

	// Weight biases usage-based selection. Zero means 1.
	Weight int

	// RPM and TPM are per-minute request and token budgets. Zero means
	// unlimited.
	RPM int
	TPM int
}

// EffectiveWeight returns the weight with the zero-value default applied.
func (d *Deployment) EffectiveWeight() int {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}

// BackendModelName returns the model name to send to the backend.
func (d *Deployment) BackendModelName() string {
	if d.BackendModel != "" {
		return d.BackendModel
	}
	return d.Model
}

// DuplicateDeploymentError reports an ID collision on Register.
type DuplicateDeploymentError struct {
	ID string
}

// Error implements the error interface.
func (e *DuplicateDeploymentError) Error() string {
	return fmt.Sprintf("registry: deployment %q already registered", e.ID)
}

// snapshot is one immutable generation of the registry contents.
// Never mutated after publication.
type snapshot struct {
	byID    map[string]*Deployment
	byModel map[string][]*Deployment
}

var emptySnapshot = &snapshot{
	byID:    map[string]*Deployment{},
	byModel: map[string][]*Deployment{},
}

// Registry maps logical models to deployments.
type Registry struct {
	snap atomic.Pointer[snapshot]

	// mu serializes writers only. Readers go through snap.
	mu sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot)
	return r
}

// Register adds a deployment. Returns DuplicateDeploymentError if the
// ID is already present.
func (r *Registry) Register(d Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("registry: deployment ID must not be empty")
	}
	if d.Model == "" {
		return fmt.Errorf("registry: deployment %q has no model", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byID[d.ID]; exists {
		return &DuplicateDeploymentError{ID: d.ID}
	}

	next := cur.clone()
	dep := d
	next.byID[dep.ID] = &dep
	next.byModel[dep.Model] = append(next.byModel[dep.Model], &dep)
	sortByID(next.byModel[dep.Model])
	r.snap.Store(next)
	return nil
}

// Remove deletes a deployment by ID. Idempotent: removing an unknown
// ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	dep, exists := cur.byID[id]
	if !exists {
		return
	}

	next := cur.clone()
	delete(next.byID, id)
	deps := next.byModel[dep.Model]
	filtered := deps[:0:0]
	for _, d := range deps {
		if d.ID != id {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		delete(next.byModel, dep.Model)
	} else {
		next.byModel[dep.Model] = filtered
	}
	r.snap.Store(next)
}

// ReplaceAll atomically swaps the full deployment set. Used on config
// reload: in-flight requests keep the snapshot they already hold.
func (r *Registry) ReplaceAll(deployments []Deployment) error {
	next := &snapshot{
		byID:    make(map[string]*Deployment, len(deployments)),
		byModel: make(map[string][]*Deployment),
	}
	for i := range deployments {
		d := deployments[i]
		if d.ID == "" {
			return fmt.Errorf("registry: deployment at index %d has no ID", i)
		}
		if d.Model == "" {
			return fmt.Errorf("registry: deployment %q has no model", d.ID)
		}
		if _, exists := next.byID[d.ID]; exists {
			return &DuplicateDeploymentError{ID: d.ID}
		}
		next.byID[d.ID] = &d
		next.byModel[d.Model] = append(next.byModel[d.Model], &d)
	}
	for _, deps := range next.byModel {
		sortByID(deps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(next)
	return nil
}

// DeploymentsFor returns the deployments serving a logical model,
// sorted by ID. The returned slice is the caller's to keep: unknown
// models yield an empty slice, never an error.
func (r *Registry) DeploymentsFor(model string) []*Deployment {
	deps := r.snap.Load().byModel[model]
	out := make([]*Deployment, len(deps))
	copy(out, deps)
	return out
}

// Get returns the deployment with the given ID, or nil.
func (r *Registry) Get(id string) *Deployment {
	return r.snap.Load().byID[id]
}

// Models returns all logical model names with at least one deployment,
// sorted.
func (r *Registry) Models() []string {
	byModel := r.snap.Load().byModel
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Len returns the number of registered deployments.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}

// All returns every deployment, sorted by ID.
func (r *Registry) All() []*Deployment {
	byID := r.snap.Load().byID
	out := make([]*Deployment, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sortByID(out)
	return out
}

// clone copies the snapshot maps (shallow: Deployment values are
// shared, which is safe because they are never mutated).
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byID:    make(map[string]*Deployment, len(s.byID)+1),
		byModel: make(map[string][]*Deployment, len(s.byModel)+1),
	}
	for id, d := range s.byID {
		next.byID[id] = d
	}
	for model, deps := range s.byModel {
		cp := make([]*Deployment, len(deps))
		copy(cp, deps)
		next.byModel[model] = cp
	}
	return next
}

func sortByID(deps []*Deployment) {
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
}
