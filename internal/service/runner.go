// Package service wraps a core component's lifecycle (producer dispatcher,
// consumer ingester, consumer dispatcher, dynamic-pool janitor) in the
// host process's lifecycle: register with discovery, run the blocking
// loop, deregister, with OS-signal-driven shutdown.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaybus/broker/internal/discovery"
	"github.com/relaybus/broker/internal/observability"
)

// Component is anything whose lifecycle a Runner manages: the producer
// dispatcher, consumer ingester, and consumer dispatcher all satisfy this
// directly with their existing Run(ctx) error methods.
type Component interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Component — used for components whose
// core loop isn't named Run, such as the dynamic-pool recycle janitor's
// RunJanitor.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Runner binds one Component's lifecycle to the host process: it registers
// with the discovery connector, runs the component's core loop until an
// OS shutdown signal or an unhandled error propagates out of it, then
// deregisters. An unhandled error from the core loop is the recovery
// boundary: it is logged and Start returns it, rather than being retried
// internally — operators restart the process.
type Runner struct {
	Name      string
	Component Component
	Discovery discovery.Connector
	Instance  discovery.Instance
}

// NewRunner returns a Runner with a no-op discovery connector; call
// r.Discovery = ... before Start to register with a real directory.
func NewRunner(name string, component Component) *Runner {
	return &Runner{
		Name:      name,
		Component: component,
		Discovery: discovery.Noop{},
	}
}

// Start blocks running the component until ctx is canceled, an OS
// SIGINT/SIGTERM arrives, or the component's Run returns a non-nil error.
// It always calls Deregister on the way out, even on error.
func (r *Runner) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Discovery.Register(ctx, r.Instance); err != nil {
		return fmt.Errorf("service %s: register with discovery: %w", r.Name, err)
	}
	defer func() {
		if err := r.Discovery.Deregister(context.Background(), r.Instance); err != nil {
			observability.Log().Error("service deregister failed", "service", r.Name, "error", err)
		}
	}()

	observability.Log().Info("service starting", "service", r.Name, "pid", os.Getpid())

	err := r.Component.Run(ctx)
	if err != nil {
		observability.Log().Error("service loop failed", "service", r.Name, "error", err)
		return err
	}

	observability.Log().Info("service stopped cleanly", "service", r.Name)
	return nil
}

// Group runs several Runners concurrently and returns once every one of
// them has stopped, either cleanly (ctx canceled) or with an error. The
// first non-nil error from any runner cancels the shared context so
// sibling runners shut down too — one stuck or crashed component brings
// the whole process down for an operator restart.
func Group(ctx context.Context, runners ...*Runner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(runners))
	for _, r := range runners {
		r := r
		go func() {
			err := r.Start(ctx)
			if err != nil {
				cancel()
			}
			errs <- err
		}()
	}

	var firstErr error
	for range runners {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
