// Package discovery is the seam to an external service directory (Kong,
// Consul, etc.): register on startup, deregister on shutdown. The
// directory integration itself lives outside this module, so this package
// stops at the interface plus a no-op implementation for processes that
// run without a directory.
package discovery

import "context"

// Instance describes this process's reachable address, passed to Register
// so the directory can route traffic to it.
type Instance struct {
	ServiceName string
	Host        string
	Port        int
}

// Connector registers and unregisters a service instance with an external
// service directory. Register is called once during process startup,
// Deregister once during shutdown — see internal/service.Runner, which
// invokes both around a component's Run loop.
type Connector interface {
	Register(ctx context.Context, instance Instance) error
	Deregister(ctx context.Context, instance Instance) error
}

// Noop is the zero-configuration Connector: it does nothing, for local
// development and single-process deployments that have no directory to
// register with.
type Noop struct{}

func (Noop) Register(ctx context.Context, instance Instance) error   { return nil }
func (Noop) Deregister(ctx context.Context, instance Instance) error { return nil }

var _ Connector = Noop{}
