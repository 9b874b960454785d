// Package shutdown coordinates cooperative process teardown: every
// long-running task watches a context for cancellation, and a bounded
// grace period gives them a chance to flush state before the process
// exits regardless.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GracePeriod bounds how long HookShutdownCallback callbacks are given
// to finish once a shutdown signal arrives.
const GracePeriod = 5 * time.Second

type callback struct {
	name string
	f    func()
}

// Coordinator owns the root context every task derives its own
// cancellation from, plus the set of callbacks to run once that
// context is cancelled.
type Coordinator struct {
	rootCtx   context.Context
	cancel    context.CancelFunc
	log       zerolog.Logger
	mu        sync.Mutex
	callbacks []callback
	sigCh     chan os.Signal
}

func New(log zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		rootCtx: ctx,
		cancel:  cancel,
		log:     log,
		sigCh:   make(chan os.Signal, 1),
	}
}

// Context is the root context. Every task started by the process
// should select on Context().Done() to notice shutdown.
func (c *Coordinator) Context() context.Context {
	return c.rootCtx
}

// HookShutdownCallback registers a cleanup function to run once a
// shutdown signal is received; name is used only in log lines.
func (c *Coordinator) HookShutdownCallback(name string, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, f: f})
}

// WaitForShutdown blocks until one of the given signals (default:
// os.Interrupt) arrives, cancels the root context so every task can
// unwind cooperatively, then runs the registered callbacks with a
// bounded grace period before returning.
func (c *Coordinator) WaitForShutdown(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt}
	}
	signal.Notify(c.sigCh, sigs...)
	<-c.sigCh

	c.log.Info().Msg("shutdown signal received, cancelling root context")
	c.Shutdown()
}

// Shutdown cancels the root context and runs every registered
// callback, returning once they all finish or GracePeriod elapses,
// whichever comes first.
func (c *Coordinator) Shutdown() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.runCallbacks()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info().Msg("shutdown completed within grace period")
	case <-time.After(GracePeriod):
		c.log.Warn().Dur("grace_period", GracePeriod).Msg("shutdown grace period elapsed, exiting anyway")
	}
}

func (c *Coordinator) runCallbacks() {
	c.mu.Lock()
	cbs := make([]callback, len(c.callbacks))
	copy(cbs, c.callbacks)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, cb := range cbs {
		wg.Add(1)
		go func(cb callback) {
			defer wg.Done()
			c.log.Info().Str("callback", cb.name).Msg("running shutdown callback")
			cb.f()
			c.log.Info().Str("callback", cb.name).Msg("shutdown callback done")
		}(cb)
	}
	wg.Wait()
}
