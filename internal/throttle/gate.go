// Package throttle implements single-thread-mode: a gate that, once engaged,
// lets at most one worker run a processing step at a time, plus the memory
// reserve and watcher that engage it under memory pressure.
package throttle

import (
	"context"
	"fmt"
	"sync"
)

// Mode is the gate's state.
type Mode int

// Gate modes. Open lets every worker pass; Engaged makes workers take the
// single permission before each step.
const (
	ModeOpen Mode = iota
	ModeEngaged
)

// Permit is what a worker holds between a step's wait-point and its
// release point. A permit taken while the gate is open holds nothing.
type Permit struct {
	held bool
}

// Held reports whether the permit carries the gate's single permission.
func (p *Permit) Held() bool {
	return p != nil && p.held
}

// Gate is the single-thread-mode turnstile. The permission is a one-token
// channel: the token is either in the channel or held by exactly one permit.
type Gate struct {
	mu    sync.Mutex
	mode  Mode
	token chan struct{}
	// opened is closed on Disengage so blocked waiters can re-check the mode.
	opened chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{
		token:  make(chan struct{}, 1),
		opened: make(chan struct{}),
	}
	g.token <- struct{}{}
	close(g.opened)
	return g
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Engaged reports whether single-thread-mode is on.
func (g *Gate) Engaged() bool {
	return g.Mode() == ModeEngaged
}

// Acquire is a worker's wait-point. With the gate open it returns an empty
// permit immediately; engaged, it blocks until the permission is free.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	for {
		g.mu.Lock()
		if g.mode == ModeOpen {
			g.mu.Unlock()
			return &Permit{}, nil
		}
		opened := g.opened
		g.mu.Unlock()

		select {
		case <-g.token:
			return &Permit{held: true}, nil
		case <-opened:
			// disengaged while waiting; loop and take the open path
		case <-ctx.Done():
			return nil, fmt.Errorf("gate acquire: %w", ctx.Err())
		}
	}
}

// Release gives the permission back if p holds it. Releasing an empty or
// already released permit is a no-op.
func (g *Gate) Release(p *Permit) {
	if !p.Held() {
		return
	}
	p.held = false
	g.token <- struct{}{}
}

// Engage switches single-thread-mode on and moves the permission into p,
// so no other worker passes its next wait-point until p is released. If p
// already holds the permission only the mode changes.
func (g *Gate) Engage(ctx context.Context, p *Permit) error {
	g.mu.Lock()
	if g.mode == ModeOpen {
		g.mode = ModeEngaged
		g.opened = make(chan struct{})
	}
	g.mu.Unlock()

	if p == nil || p.held {
		return nil
	}
	select {
	case <-g.token:
		p.held = true
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gate engage: %w", ctx.Err())
	}
}

// Disengage turns single-thread-mode off and wakes blocked workers. A
// permission still held is returned by its holder's Release.
func (g *Gate) Disengage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeOpen {
		return
	}
	g.mode = ModeOpen
	close(g.opened)
}
