// Package runner implements the Task Runner (C4): an ordered middleware
// chain around a terminal executor, with next()/abort() semantics.
package runner

import (
	"context"

	"shadowdog/internal/eventbus"
	"shadowdog/internal/model"
)

// Context is the view every middleware frame receives. Fields other than a
// middleware's own Options are read-only by convention; Go does not enforce
// this, but no middleware in this codebase mutates anything but Options.
type Context struct {
	context.Context

	Files            []string
	InvalidatorFiles []string
	EnvironmentNames []string
	Command          model.Command
	EventBus         *eventbus.Bus
	ChangedFilePath  string

	// Options carries loosely typed values that the Generator hands to the
	// middlewares and the terminal, keyed by name (the Generator sets
	// "projectRoot" and, when configured, "onSpawn").
	Options map[string]any

	aborted *bool
}

// Middleware wraps a terminal executor. A middleware must do exactly one of:
// call next() (optionally doing work before/after), call ctx.Abort(),
// or return a non-nil error. Returning both nil and never calling next() nor
// Abort() is treated as an implicit next() by Run, so no middleware can
// accidentally stall the chain.
type Middleware func(ctx *Context, next func() error) error

// Terminal is the innermost frame, invoked only if no middleware aborted.
type Terminal func(ctx *Context) error

// Abort marks the chain as aborted; sticky — once set, Run will not invoke
// the terminal executor nor any further middleware's next().
func (c *Context) Abort() {
	*c.aborted = true
}

// Aborted reports whether Abort has been called by this frame or an earlier
// one.
func (c *Context) Aborted() bool {
	return *c.aborted
}

// Chain is an ordered list of middlewares plus a terminal executor.
type Chain struct {
	Middlewares []Middleware
	Terminal    Terminal
}

// Run executes the chain: middlewares in registration order, the terminal
// executor innermost, unless some frame calls Abort(). Cancellation of
// ctx.Context unwinds every next()'ed frame by propagating the context
// cancellation error up through the chain once the terminal (or an inner
// next()) observes it.
func (c Chain) Run(parent context.Context, base *Context) error {
	aborted := false
	base.aborted = &aborted
	if base.Context == nil {
		base.Context = parent
	}

	var invoke func(i int) error
	invoke = func(i int) error {
		if base.Aborted() {
			return nil
		}
		if err := parent.Err(); err != nil {
			return err
		}
		if i >= len(c.Middlewares) {
			if base.Aborted() {
				return nil
			}
			if c.Terminal == nil {
				return nil
			}
			return c.Terminal(base)
		}

		mw := c.Middlewares[i]
		calledNext := false
		nextFn := func() error {
			calledNext = true
			return invoke(i + 1)
		}

		err := mw(base, nextFn)
		if err != nil {
			return err
		}
		if !calledNext && !base.Aborted() {
			// Implicit next(): a middleware that does neither is treated as
			// a pass-through rather than silently stalling the chain.
			return invoke(i + 1)
		}
		return nil
	}

	return invoke(0)
}
