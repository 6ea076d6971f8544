package cluster

import (
	"context"
	"encoding/json"
	"sync"
)

// Hub is an in-process transport shared by one or more MemoryBus instances.
// A single-node deployment uses one instance; tests attach several to exercise
// cross-instance behavior without a broker.
type Hub struct {
	mu        sync.RWMutex
	instances []*MemoryBus
}

func NewHub() *Hub {
	return &Hub{}
}

// Instance attaches a new bus instance to the hub.
func (h *Hub) Instance() *MemoryBus {
	b := &MemoryBus{
		hub:      h,
		state:    newLocalState(),
		handlers: make(map[string]ServerHandler),
	}
	h.mu.Lock()
	h.instances = append(h.instances, b)
	h.mu.Unlock()
	return b
}

func (h *Hub) snapshot() []*MemoryBus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*MemoryBus, len(h.instances))
	copy(out, h.instances)
	return out
}

func (h *Hub) remove(b *MemoryBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, inst := range h.instances {
		if inst == b {
			h.instances = append(h.instances[:i], h.instances[i+1:]...)
			return
		}
	}
}

// MemoryBus is the in-process Bus implementation. Cross-instance operations
// are synchronous direct calls on the other instances attached to the hub.
type MemoryBus struct {
	hub   *Hub
	state *localState

	handlerMu sync.RWMutex
	handlers  map[string]ServerHandler

	closed sync.Once
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) Attach(conn Conn) error { return b.state.attach(conn) }

func (b *MemoryBus) Detach(id string) { b.state.detach(id) }

func (b *MemoryBus) SetInfo(id string, info json.RawMessage) error {
	return b.state.setInfo(id, info)
}

func (b *MemoryBus) Info(id string) json.RawMessage { return b.state.infoOf(id) }

func (b *MemoryBus) Local(id string) (Conn, bool) { return b.state.local(id) }

func (b *MemoryBus) Join(id, group string) error { return b.state.join(id, group) }

func (b *MemoryBus) Leave(id, group string) error { return b.state.leave(id, group) }

func (b *MemoryBus) Groups(id string) []string { return b.state.groupsOf(id) }

func (b *MemoryBus) Emit(id, event string, data json.RawMessage) error {
	for _, inst := range b.hub.snapshot() {
		if conn, ok := inst.state.local(id); ok {
			conn.Deliver(event, data)
			return nil
		}
	}
	// Unknown target: dropped, matching relay semantics.
	return nil
}

func (b *MemoryBus) EmitGroup(group, except, event string, data json.RawMessage) error {
	for _, inst := range b.hub.snapshot() {
		for _, conn := range inst.state.groupConns(group, except) {
			conn.Deliver(event, data)
		}
	}
	return nil
}

func (b *MemoryBus) Peers(ctx context.Context, group string) ([]string, error) {
	var out []string
	for _, inst := range b.hub.snapshot() {
		for id := range inst.state.members(group) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *MemoryBus) PeersWithInfo(ctx context.Context, group string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for _, inst := range b.hub.snapshot() {
		for id, info := range inst.state.members(group) {
			out[id] = info
		}
	}
	return out, nil
}

func (b *MemoryBus) OnServerEvent(event string, fn ServerHandler) {
	b.handlerMu.Lock()
	b.handlers[event] = fn
	b.handlerMu.Unlock()
}

func (b *MemoryBus) ServerEmit(event string, data json.RawMessage) error {
	for _, inst := range b.hub.snapshot() {
		if inst == b {
			continue
		}
		inst.handlerMu.RLock()
		fn := inst.handlers[event]
		inst.handlerMu.RUnlock()
		if fn != nil {
			fn(data)
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.closed.Do(func() { b.hub.remove(b) })
	return nil
}
