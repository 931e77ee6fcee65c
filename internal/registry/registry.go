// Package registry tracks what's resident on the accelerator and how much
// VRAM is in use. It is purely observational: loading and unloading happen
// in the worker pool, which mutates the registry on the worker thread.
package registry

import (
	"sync"

	"orchestratord/pkg/types"
)

// Registry is the Model Registry: mode metadata, residency, and VRAM
// accounting.
type Registry struct {
	mu          sync.Mutex
	budgetMB    int
	marginMB    int
	modes       map[string]types.Mode
	workflows   map[string]types.WorkflowProfile
	loaded      map[string]bool
	usedMB      int
	defaultMode string
}

func New(budgetMB, marginMB int) *Registry {
	return &Registry{
		budgetMB:  budgetMB,
		marginMB:  marginMB,
		modes:     make(map[string]types.Mode),
		workflows: make(map[string]types.WorkflowProfile),
		loaded:    make(map[string]bool),
	}
}

// RegisterMode adds a mode's metadata (but does not load it).
func (r *Registry) RegisterMode(m types.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[m.Name] = m
}

func (r *Registry) Mode(name string) (types.Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[name]
	return m, ok
}

// SetDefaultMode records the mode marked default in the persisted
// config. Exactly one mode carries this designation; DefaultMode always
// names a registered mode.
func (r *Registry) SetDefaultMode(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultMode = name
}

func (r *Registry) DefaultMode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultMode
}

func (r *Registry) Modes() []types.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Mode, 0, len(r.modes))
	for _, m := range r.modes {
		out = append(out, m)
	}
	return out
}

// RegisterWorkflow adds a comfy workflow profile.
func (r *Registry) RegisterWorkflow(w types.WorkflowProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID] = w
}

// Workflow looks up a workflow profile by id.
func (r *Registry) Workflow(id string) (types.WorkflowProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	return w, ok
}

// Register marks modeID as loaded and accounts for its estimated VRAM.
// Called by the worker pool after a successful load.
func (r *Registry) Register(modeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded[modeID] {
		return
	}
	r.loaded[modeID] = true
	if m, ok := r.modes[modeID]; ok {
		r.usedMB += m.EstVRAMMB
	}
}

// Unregister marks modeID as no longer resident, releasing its estimate.
func (r *Registry) Unregister(modeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded[modeID] {
		return
	}
	delete(r.loaded, modeID)
	if m, ok := r.modes[modeID]; ok {
		r.usedMB -= m.EstVRAMMB
		if r.usedMB < 0 {
			r.usedMB = 0
		}
	}
}

func (r *Registry) IsLoaded(modeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[modeID]
}

func (r *Registry) UsedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedMB
}

func (r *Registry) AvailableBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.budgetMB - r.marginMB - r.usedMB
	if avail < 0 {
		return 0
	}
	return avail
}

// CanFit reports whether estMB more could be loaded without busting the
// budget+margin. If budgetMB is 0 the registry is unbounded.
func (r *Registry) CanFit(estMB int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.budgetMB <= 0 {
		return true
	}
	return r.usedMB+estMB <= r.budgetMB-r.marginMB
}

// Stats reports the full VRAM breakdown: budget, margin, usage, headroom
// and per-model residency.
func (r *Registry) Stats() types.VRAMStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.budgetMB - r.marginMB - r.usedMB
	if avail < 0 {
		avail = 0
	}
	per := make(map[string]int, len(r.loaded))
	for id := range r.loaded {
		if m, ok := r.modes[id]; ok {
			per[id] = m.EstVRAMMB
		}
	}
	return types.VRAMStats{
		BudgetMB:               r.budgetMB,
		MarginMB:               r.marginMB,
		UsedMB:                 r.usedMB,
		AvailableMB:            avail,
		LargestContiguousEstMB: avail,
		PerModel:               per,
	}
}
