// etcd-backed registry:
//
//	Key:   /simrig/gateways/{Name}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration rides a TTL lease with background keepalive, so a
// crashed gateway disappears on its own once the lease expires.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/simrig/gateways/"

func instanceKey(name, addr string) string {
	return keyPrefix + name + "/" + addr
}

// Etcd implements Registry on an etcd v3 cluster.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &Etcd{client: c}, nil
}

// Close releases the etcd client.
func (r *Etcd) Close() error { return r.client.Close() }

// Register grants a lease, writes the instance under it, and keeps the
// lease alive until ctx ends. The lease id stays local so one Etcd
// value can serve concurrent registrations.
func (r *Etcd) Register(ctx context.Context, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	key := instanceKey(instance.Name, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	// Drain keepalive acks; the channel closes when ctx ends and the
	// lease then expires on its own.
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *Etcd) Deregister(ctx context.Context, instance Instance) error {
	key := instanceKey(instance.Name, instance.Addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Discover lists the instances registered under name with one prefix
// get. Malformed entries are skipped.
func (r *Etcd) Discover(ctx context.Context, name string) ([]Instance, error) {
	prefix := keyPrefix + name + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prefix, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-discovers the full list after any event under the name's
// prefix. Coarser than parsing individual events, and always consistent
// with what Discover would return.
func (r *Etcd) Watch(ctx context.Context, name string) (<-chan []Instance, error) {
	ch := make(chan []Instance, 1)
	watchChan := r.client.Watch(ctx, keyPrefix+name+"/", clientv3.WithPrefix())

	go func() {
		defer close(ch)
		for range watchChan {
			instances, err := r.Discover(ctx, name)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
