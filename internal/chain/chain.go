// Package chain holds the ordered processing steps a worker drives each
// work item through.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawlctl/internal/crawl"
)

// Step processes one work item. A step may redirect the item to another
// step with SetNextStep or stop the chain with EndChain.
type Step interface {
	Name() string
	Process(ctx context.Context, item *crawl.WorkItem) error
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, item *crawl.WorkItem) error
}

// Name implements Step.
func (s StepFunc) Name() string { return s.StepName }

// Process implements Step.
func (s StepFunc) Process(ctx context.Context, item *crawl.WorkItem) error {
	return s.Fn(ctx, item)
}

// Chain is an ordered, name-indexed list of steps.
type Chain struct {
	steps []Step
	index map[string]int
}

// New validates step names and builds a Chain.
func New(steps ...Step) (*Chain, error) {
	if len(steps) == 0 {
		return nil, errors.New("chain requires at least one step")
	}
	c := &Chain{
		steps: append([]Step(nil), steps...),
		index: make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", name)
		}
		c.index[name] = i
	}
	return c, nil
}

// First returns the name of the first step.
func (c *Chain) First() string {
	return c.steps[0].Name()
}

// After returns the name of the step following name, or "" at the end.
func (c *Chain) After(name string) string {
	i, ok := c.index[name]
	if !ok || i+1 >= len(c.steps) {
		return ""
	}
	return c.steps[i+1].Name()
}

// Lookup returns the named step.
func (c *Chain) Lookup(name string) (Step, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.steps[i], true
}

// Names lists step names in order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.Name()
	}
	return out
}
