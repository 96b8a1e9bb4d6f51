package runner

import (
	"context"
	"errors"
	"testing"
)

func TestRun_MiddlewaresExecuteInRegistrationOrderThenTerminal(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx *Context, next func() error) error {
			order = append(order, name+":before")
			err := next()
			order = append(order, name+":after")
			return err
		}
	}

	chain := Chain{
		Middlewares: []Middleware{mw("a"), mw("b")},
		Terminal: func(ctx *Context) error {
			order = append(order, "terminal")
			return nil
		},
	}

	if err := chain.Run(context.Background(), &Context{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"a:before", "b:before", "terminal", "b:after", "a:after"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestRun_AbortSkipsRemainingMiddlewareAndTerminal(t *testing.T) {
	terminalCalled := false
	thirdCalled := false

	chain := Chain{
		Middlewares: []Middleware{
			func(ctx *Context, next func() error) error {
				ctx.Abort()
				return next()
			},
			func(ctx *Context, next func() error) error {
				thirdCalled = true
				return next()
			},
		},
		Terminal: func(ctx *Context) error {
			terminalCalled = true
			return nil
		},
	}

	if err := chain.Run(context.Background(), &Context{}); err != nil {
		t.Fatal(err)
	}
	if thirdCalled {
		t.Fatal("abort must skip every frame after the aborting one")
	}
	if terminalCalled {
		t.Fatal("abort must skip the terminal executor")
	}
}

func TestRun_MiddlewareErrorPropagatesAndStopsChain(t *testing.T) {
	boom := errors.New("boom")
	terminalCalled := false

	chain := Chain{
		Middlewares: []Middleware{
			func(ctx *Context, next func() error) error {
				return boom
			},
		},
		Terminal: func(ctx *Context) error {
			terminalCalled = true
			return nil
		},
	}

	err := chain.Run(context.Background(), &Context{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the middleware error to propagate, got %v", err)
	}
	if terminalCalled {
		t.Fatal("an error must prevent the terminal executor from running")
	}
}

func TestRun_ImplicitNextWhenMiddlewareCallsNeitherNextNorAbort(t *testing.T) {
	terminalCalled := false
	chain := Chain{
		Middlewares: []Middleware{
			func(ctx *Context, next func() error) error {
				return nil
			},
		},
		Terminal: func(ctx *Context) error {
			terminalCalled = true
			return nil
		},
	}

	if err := chain.Run(context.Background(), &Context{}); err != nil {
		t.Fatal(err)
	}
	if !terminalCalled {
		t.Fatal("a middleware that calls neither next() nor abort() must implicitly pass through")
	}
}

func TestRun_NoMiddlewaresRunsTerminalDirectly(t *testing.T) {
	called := false
	chain := Chain{Terminal: func(ctx *Context) error {
		called = true
		return nil
	}}

	if err := chain.Run(context.Background(), &Context{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected the terminal executor to run when there are no middlewares")
	}
}

func TestRun_CancelledParentContextUnwindsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	terminalCalled := false
	chain := Chain{
		Middlewares: []Middleware{
			func(c *Context, next func() error) error { return next() },
		},
		Terminal: func(c *Context) error {
			terminalCalled = true
			return nil
		},
	}

	err := chain.Run(ctx, &Context{})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if terminalCalled {
		t.Fatal("a cancelled context must unwind before reaching the terminal executor")
	}
}
