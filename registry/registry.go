// Package registry tracks running gateway instances so clients can find
// one without being pointed at it. The etcd implementation backs real
// deployments; the in-memory one backs tests and single-process setups.
package registry

import "context"

// Instance is one registered gateway.
type Instance struct {
	Name string            `json:"name"`
	Addr string            `json:"addr"`
	Meta map[string]string `json:"meta,omitempty"`
}

type Registry interface {
	// Register announces an instance. The entry lives for ttl seconds
	// past the registry's last contact with the caller.
	Register(ctx context.Context, instance Instance, ttl int64) error
	// Deregister removes an instance during graceful shutdown.
	Deregister(ctx context.Context, instance Instance) error
	// Discover returns all live instances registered under name.
	Discover(ctx context.Context, name string) ([]Instance, error)
	// Watch emits the updated instance list after every change under
	// name, until ctx ends.
	Watch(ctx context.Context, name string) (<-chan []Instance, error)
}
