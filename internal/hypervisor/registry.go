package hypervisor

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hvisor/internal/control"
)

var (
	ErrModuleNotFound = errors.New("hypervisor: module not found")
	ErrNoCallbackAddr = errors.New("hypervisor: module has no callback address")
)

// ModuleRecord is the read snapshot of one tracked module.
type ModuleRecord struct {
	ID                control.ModuleID `json:"module_id"`
	Started           bool             `json:"started"`
	CallbackAddr      string           `json:"callback_addr"`
	ShutdownRequested bool             `json:"shutdown_requested"`
	RegisteredAt      time.Time        `json:"registered_at"`
	ReadyAt           time.Time        `json:"ready_at,omitzero"`
}

// Running reports whether the module has checked in and not self-reported
// shutdown.
func (r ModuleRecord) Running() bool {
	return r.Started && !r.ShutdownRequested
}

// moduleState is registry-owned mutable state; callers only ever receive
// ModuleRecord copies.
type moduleState struct {
	started           bool
	callbackAddr      string
	shutdownRequested bool
	registeredAt      time.Time
	readyAt           time.Time
}

// Registry is the concurrency-safe module id to lifecycle state mapping.
// Queries run under a shared lock, mutations under an exclusive lock, and no
// operation holds either across network I/O.
type Registry struct {
	mu      sync.RWMutex
	modules map[control.ModuleID]*moduleState
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[control.ModuleID]*moduleState),
	}
}

// Register inserts default state for id. Registering a known id is a no-op;
// it never resets a module that already checked in.
func (r *Registry) Register(id control.ModuleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; ok {
		return
	}
	r.modules[id] = &moduleState{registeredAt: time.Now()}
}

// MarkReady records a module check-in. Repeated check-ins overwrite the
// callback address; the last lock-holder wins.
func (r *Registry) MarkReady(id control.ModuleID, callbackAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	state.started = true
	state.callbackAddr = strings.TrimSpace(callbackAddr)
	if state.readyAt.IsZero() {
		state.readyAt = time.Now()
	}
	return nil
}

// MarkShutdown records a module's self-reported shutdown. Idempotent.
func (r *Registry) MarkShutdown(id control.ModuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	state.shutdownRequested = true
	return nil
}

// UncheckedCount returns the number of registered modules that never checked
// in.
func (r *Registry) UncheckedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, state := range r.modules {
		if !state.started {
			n++
		}
	}
	return n
}

// RunningCount returns the number of modules that checked in and have not
// self-reported shutdown.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, state := range r.modules {
		if state.started && !state.shutdownRequested {
			n++
		}
	}
	return n
}

// IsRunning reports false for ids never registered.
func (r *Registry) IsRunning(id control.ModuleID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.modules[id]
	if !ok {
		return false
	}
	return state.started && !state.shutdownRequested
}

// ModuleIDs returns a snapshot of all known ids, set semantics.
func (r *Registry) ModuleIDs() []control.ModuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]control.ModuleID, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	return out
}

// CallbackAddr resolves the dial target for one module. A module that never
// checked in has no callback address.
func (r *Registry) CallbackAddr(id control.ModuleID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.modules[id]
	if !ok {
		return "", ErrModuleNotFound
	}
	if state.callbackAddr == "" {
		return "", ErrNoCallbackAddr
	}
	return state.callbackAddr, nil
}

// Snapshot returns per-module read copies ordered by id for operator
// surfaces.
func (r *Registry) Snapshot() []ModuleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleRecord, 0, len(r.modules))
	for id, state := range r.modules {
		out = append(out, ModuleRecord{
			ID:                id,
			Started:           state.started,
			CallbackAddr:      state.callbackAddr,
			ShutdownRequested: state.shutdownRequested,
			RegisteredAt:      state.registeredAt,
			ReadyAt:           state.readyAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
