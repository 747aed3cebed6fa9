package shutdown

import (
	"context"
	"io"
)

// CloserComponent wraps an io.Closer such as a store.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{
		name: name,
		fn:   fn,
	}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Stopper is a background loop such as the dispatcher or health monitor.
type Stopper interface {
	Stop()
}

// LoopComponent wraps a background loop for graceful shutdown.
type LoopComponent struct {
	name string
	loop Stopper
}

// NewLoopComponent creates a new loop shutdown component.
func NewLoopComponent(name string, loop Stopper) *LoopComponent {
	return &LoopComponent{
		name: name,
		loop: loop,
	}
}

// Name returns the component name.
func (c *LoopComponent) Name() string {
	return c.name
}

// Shutdown stops the loop, waiting for a pass in progress to finish.
func (c *LoopComponent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.loop.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
