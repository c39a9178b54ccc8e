package registry

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Registry. TTLs are not enforced; entries
// live until deregistered.
type Memory struct {
	mu        sync.Mutex
	instances map[string]map[string]Instance // name → addr → instance
	watchers  map[string][]chan []Instance
}

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]map[string]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (m *Memory) Register(ctx context.Context, instance Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAddr := m.instances[instance.Name]
	if byAddr == nil {
		byAddr = make(map[string]Instance)
		m.instances[instance.Name] = byAddr
	}
	byAddr[instance.Addr] = instance
	m.notifyLocked(instance.Name)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, instance Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[instance.Name], instance.Addr)
	m.notifyLocked(instance.Name)
	return nil
}

func (m *Memory) Discover(ctx context.Context, name string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(name), nil
}

func (m *Memory) Watch(ctx context.Context, name string) (<-chan []Instance, error) {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		kept := m.watchers[name][:0]
		for _, w := range m.watchers[name] {
			if w != ch {
				kept = append(kept, w)
			}
		}
		m.watchers[name] = kept
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) listLocked(name string) []Instance {
	byAddr := m.instances[name]
	list := make([]Instance, 0, len(byAddr))
	for _, instance := range byAddr {
		list = append(list, instance)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Addr < list[j].Addr })
	return list
}

// notifyLocked pushes the current list to every watcher, keeping only
// the newest snapshot when a watcher is slow to read.
func (m *Memory) notifyLocked(name string) {
	list := m.listLocked(name)
	for _, ch := range m.watchers[name] {
		select {
		case ch <- list:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- list
		}
	}
}
