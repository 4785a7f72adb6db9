package run

import (
	"context"
	"sync"
)

// Registry holds the single run slot. Only one non-terminal run may exist at
// a time; the most recent terminal run stays findable so its event feed can
// replay even after a new run claims the slot.
type Registry struct {
	mu           sync.Mutex
	current      *Orchestrator
	lastTerminal *Orchestrator
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Start claims the run slot and, when it is free, builds and launches a new
// orchestrator. The build runs under the registry lock so two concurrent
// callers cannot both construct one; the loser gets ErrRunActive untouched.
func (g *Registry) Start(ctx context.Context, build func() (*Orchestrator, error)) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && !g.current.Run().Terminal() {
		return nil, ErrRunActive
	}
	o, err := build()
	if err != nil {
		return nil, err
	}
	if g.current != nil {
		g.lastTerminal = g.current
	}
	g.current = o
	o.Start(ctx)
	return o.Run(), nil
}

// Active returns the current non-terminal run, or nil.
func (g *Registry) Active() *Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.Run().Terminal() {
		return nil
	}
	return g.current.Run()
}

// Find returns the run with the given id, or nil. Both the current run and
// the most recently displaced terminal run match.
func (g *Registry) Find(id string) *Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && g.current.Run().ID == id {
		return g.current.Run()
	}
	if g.lastTerminal != nil && g.lastTerminal.Run().ID == id {
		return g.lastTerminal.Run()
	}
	return nil
}

// Cancel aborts the current run if one is active.
func (g *Registry) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.Run().Terminal() {
		return false
	}
	g.current.Cancel()
	return true
}
