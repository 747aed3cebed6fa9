package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects component names in the order they shut down.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) component(name string, err error) Component {
	return NewFuncComponent(name, func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	})
}

func TestPropertyShutdownIsReverseRegistration(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("components stop newest first, failures included", prop.ForAll(
		func(failures []bool) bool {
			rec := &recorder{}
			c := NewCoordinator(WithLogger(quietLogger()), WithTimeout(time.Second))
			want := make([]string, len(failures))
			failed := 0
			for i, fail := range failures {
				var err error
				if fail {
					err = fmt.Errorf("component %d failed", i)
					failed++
				}
				name := fmt.Sprintf("c%d", i)
				c.Register(rec.component(name, err))
				want[len(failures)-1-i] = name
			}

			c.Shutdown()
			c.Wait()

			if len(rec.order) != len(want) {
				return false
			}
			for i := range want {
				if rec.order[i] != want[i] {
					return false
				}
			}
			if (failed > 0) != (c.Err() != nil) {
				return false
			}
			return c.ExitCode() == 0
		},
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestShutdownRunsOnce(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithLogger(quietLogger()))
	c.Register(rec.component("store", nil))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown()
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"store"}, rec.order)
}

func TestShutdownTimeout(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithLogger(quietLogger()), WithTimeout(20*time.Millisecond))
	c.Register(rec.component("store", nil))
	c.Register(NewFuncComponent("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	c.Shutdown()

	assert.Equal(t, 1, c.ExitCode())
	assert.ErrorIs(t, c.Err(), context.DeadlineExceeded)
	// Later components still get their turn, with an expired context.
	assert.Equal(t, []string{"store"}, rec.order)
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	rec := &recorder{}
	c := NewCoordinator(WithLogger(quietLogger()), WithSignalChannel(sigCh))
	c.Register(rec.component("api", nil))

	go c.WaitForSignal(context.Background())
	sigCh <- syscall.SIGTERM

	c.Wait()
	assert.Equal(t, []string{"api"}, rec.order)
}

func TestWaitForSignalContextDone(t *testing.T) {
	c := NewCoordinator(WithLogger(quietLogger()), WithSignalChannel(make(chan os.Signal)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.WaitForSignal(ctx)
	assert.Equal(t, 0, c.ExitCode())
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

type loop struct {
	release chan struct{}
}

func (l *loop) Stop() { <-l.release }

func TestComponents(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("boom")
	assert.ErrorIs(t, NewCloserComponent("db", closer{err: boom}).Shutdown(ctx), boom)
	assert.Equal(t, "db", NewCloserComponent("db", closer{}).Name())

	l := &loop{release: make(chan struct{})}
	close(l.release)
	require.NoError(t, NewLoopComponent("dispatcher", l).Shutdown(ctx))

	stuck := &loop{release: make(chan struct{})}
	defer close(stuck.release)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, NewLoopComponent("dispatcher", stuck).Shutdown(short), context.DeadlineExceeded)
}
