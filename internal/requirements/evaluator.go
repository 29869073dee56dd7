// Package requirements evaluates compound boolean visibility conditions.
// Each requirement instance is backed by a live binding to its plugin's
// evaluation logic; composites recompute whenever any member emits and
// republish only distinct values. A dead plugin silently stops emitting —
// its member keeps its last value — rather than erroring the composite.
//
// The empty set is deliberately not given a truth value here: "no
// restriction means always visible" is repository policy, applied before a
// composite is ever built.
package requirements

import (
	"fmt"
	"sync"

	"smartspacer/internal/bus"

	"go.uber.org/zap"
)

// Requirement is one boolean condition instance to evaluate.
type Requirement struct {
	ID            string
	Authority     string
	SourcePackage string

	// Invert negates this member's value before composition.
	Invert bool
}

// Binder establishes live requirement bindings. Satisfied by bus.Client and
// by the providers repository.
type Binder interface {
	BindRequirement(authority, requirementID string, handler func(value bool)) (bus.Subscription, error)
}

// Evaluator builds composite requirement streams.
type Evaluator struct {
	binder Binder
	logger *zap.Logger
}

// NewEvaluator creates an evaluator over the given binder.
func NewEvaluator(binder Binder, logger *zap.Logger) *Evaluator {
	return &Evaluator{binder: binder, logger: logger.Named("requirements")}
}

type compositeMode int

const (
	modeAny compositeMode = iota
	modeAll
)

// Composite is an active compound requirement stream. Close tears down all
// member bindings.
type Composite struct {
	// emitMu keeps recompute and handler delivery atomic: member bindings
	// push values from separate goroutines, and without it two distinct
	// composite values could reach the handler in the wrong order. mu
	// guards state only and is never held across a handler call.
	emitMu sync.Mutex

	mu      sync.Mutex
	mode    compositeMode
	values  []bool
	inverts []bool
	handler func(bool)
	last    *bool
	ready   bool
	subs    []bus.Subscription
	closed  bool
}

// Any composes requirements with OR: the stream is true iff at least one
// member (after applying its own invert) is true. The handler fires once
// with the initial value and again on every distinct change.
func (e *Evaluator) Any(reqs []Requirement, handler func(bool)) (*Composite, error) {
	return e.compose(modeAny, reqs, handler)
}

// All composes requirements with AND: the stream is true iff every member
// (after applying its own invert) is true.
func (e *Evaluator) All(reqs []Requirement, handler func(bool)) (*Composite, error) {
	return e.compose(modeAll, reqs, handler)
}

func (e *Evaluator) compose(mode compositeMode, reqs []Requirement, handler func(bool)) (*Composite, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("cannot compose an empty requirement set")
	}

	c := &Composite{
		mode:    mode,
		values:  make([]bool, len(reqs)),
		inverts: make([]bool, len(reqs)),
		handler: handler,
	}
	for i, req := range reqs {
		c.inverts[i] = req.Invert
	}

	for i, req := range reqs {
		index := i
		sub, err := e.binder.BindRequirement(req.Authority, req.ID, func(value bool) {
			c.update(index, value)
		})
		if err != nil {
			// Treat an unreachable provider as permanently false for
			// this member; the composite still runs.
			e.logger.Warn("Failed to bind requirement",
				zap.String("authority", req.Authority),
				zap.String("id", req.ID),
				zap.Error(err))
			continue
		}
		c.subs = append(c.subs, sub)
	}

	c.start()
	return c, nil
}

func (c *Composite) update(index int, value bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.values[index] = value
	if !c.ready {
		// Values delivered during setup fold into the initial emission.
		c.mu.Unlock()
		return
	}
	c.emitLocked()
}

// start publishes the initial composite value after all members are bound.
func (c *Composite) start() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.ready = true
	c.emitLocked()
}

// emitLocked recomputes and, when the result is distinct from the last
// emission, calls the handler. mu is released before the handler runs so
// handlers may close the composite; the caller's emitMu keeps the
// recompute and the call ordered against concurrent member updates.
func (c *Composite) emitLocked() {
	result := c.computeLocked()
	if c.last != nil && *c.last == result {
		c.mu.Unlock()
		return
	}
	c.last = &result
	handler := c.handler
	c.mu.Unlock()
	handler(result)
}

func (c *Composite) computeLocked() bool {
	switch c.mode {
	case modeAny:
		for i, v := range c.values {
			if v != c.inverts[i] {
				return true
			}
		}
		return false
	default:
		for i, v := range c.values {
			if v == c.inverts[i] {
				return false
			}
		}
		return true
	}
}

// Value returns the last emitted composite value.
func (c *Composite) Value() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return false
	}
	return *c.last
}

// Close tears down every member binding. The handler is not called again.
func (c *Composite) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
