package store

import (
	"context"
	"math/rand/v2"
	"sync"

	"bitchan/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/tests.
// A transaction holds the write lock for its whole duration and restores a
// snapshot taken at its start when fn fails.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[model.NodeKey]model.KnownNode
	inv   map[model.Vector]model.InventoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[model.NodeKey]model.KnownNode),
		inv:   make(map[model.Vector]model.InventoryObject),
	}
}

func (m *MemoryStore) KnownNodes() KnownNodes { return memNodes{m: m, locked: false} }
func (m *MemoryStore) Inventory() Inventory   { return memInventory{m: m, locked: false} }
func (m *MemoryStore) Close() error           { return nil }

func (m *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make(map[model.NodeKey]model.KnownNode, len(m.nodes))
	for k, v := range m.nodes {
		nodes[k] = v
	}
	inv := make(map[model.Vector]model.InventoryObject, len(m.inv))
	for k, v := range m.inv {
		inv[k] = v
	}
	if err := fn(memTx{m: m}); err != nil {
		m.nodes = nodes
		m.inv = inv
		return err
	}
	return nil
}

type memTx struct{ m *MemoryStore }

func (t memTx) KnownNodes() KnownNodes { return memNodes{m: t.m, locked: true} }
func (t memTx) Inventory() Inventory   { return memInventory{m: t.m, locked: true} }

// locked is true when the caller already holds m.mu (inside Transaction).
type memNodes struct {
	m      *MemoryStore
	locked bool
}

func (n memNodes) rlock() func() {
	if n.locked {
		return func() {}
	}
	n.m.mu.RLock()
	return n.m.mu.RUnlock
}

func (n memNodes) lock() func() {
	if n.locked {
		return func() {}
	}
	n.m.mu.Lock()
	return n.m.mu.Unlock
}

func (n memNodes) IsEmpty(_ context.Context) (bool, error) {
	defer n.rlock()()
	return len(n.m.nodes) == 0, nil
}

func (n memNodes) Add(_ context.Context, nodes []model.KnownNode) error {
	defer n.lock()()
	for _, node := range nodes {
		n.m.nodes[node.Key()] = node
	}
	return nil
}

func (n memNodes) Update(_ context.Context, key model.NodeKey, fields NodeUpdate) (int64, error) {
	defer n.lock()()
	node, ok := n.m.nodes[key]
	if !ok {
		return 0, nil
	}
	node.LastActive = fields.LastActive
	if fields.Services != 0 {
		node.Services = fields.Services
	}
	n.m.nodes[key] = node
	return 1, nil
}

func (n memNodes) GetRandom(_ context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error) {
	defer n.rlock()()
	exclude := make(map[string]struct{}, len(excludeHosts))
	for _, h := range excludeHosts {
		exclude[h] = struct{}{}
	}
	var candidates []model.KnownNode
	for _, node := range n.m.nodes {
		if node.Stream != stream {
			continue
		}
		if _, skip := exclude[node.Host]; skip {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return model.KnownNode{}, ErrNotFound
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (n memNodes) Count(_ context.Context) (int64, error) {
	defer n.rlock()()
	return int64(len(n.m.nodes)), nil
}

func (n memNodes) Get(_ context.Context, stream uint32, after int64, limit int) ([]model.KnownNode, error) {
	defer n.rlock()()
	out := []model.KnownNode{}
	for _, node := range n.m.nodes {
		if len(out) >= limit {
			break
		}
		if node.Stream == stream && node.LastActive > after {
			out = append(out, node)
		}
	}
	return out, nil
}

func (n memNodes) GetDups(_ context.Context, nodes []model.KnownNode) ([]model.KnownNode, error) {
	defer n.rlock()()
	out := []model.KnownNode{}
	seen := make(map[model.NodeKey]bool)
	for _, node := range nodes {
		key := node.Key()
		if seen[key] {
			continue
		}
		if stored, ok := n.m.nodes[key]; ok {
			seen[key] = true
			out = append(out, stored)
		}
	}
	return out, nil
}

type memInventory struct {
	m      *MemoryStore
	locked bool
}

func (i memInventory) rlock() func() {
	if i.locked {
		return func() {}
	}
	i.m.mu.RLock()
	return i.m.mu.RUnlock
}

func (i memInventory) lock() func() {
	if i.locked {
		return func() {}
	}
	i.m.mu.Lock()
	return i.m.mu.Unlock
}

func (i memInventory) GetVectors(_ context.Context, stream uint32, now int64) ([]model.Vector, error) {
	defer i.rlock()()
	out := []model.Vector{}
	for v, obj := range i.m.inv {
		if obj.Stream == stream && obj.ExpiresTime > now {
			out = append(out, v)
		}
	}
	return out, nil
}

func (i memInventory) GetDups(_ context.Context, vectors []model.Vector) ([]model.Vector, error) {
	defer i.rlock()()
	out := []model.Vector{}
	for _, v := range vectors {
		if _, ok := i.m.inv[v]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (i memInventory) Add(_ context.Context, obj model.InventoryObject) error {
	defer i.lock()()
	if _, ok := i.m.inv[obj.Vector]; ok {
		return ErrDuplicate
	}
	obj.Payload = append([]byte(nil), obj.Payload...)
	i.m.inv[obj.Vector] = obj
	return nil
}

func (i memInventory) Get(_ context.Context, vectors []model.Vector, now int64) ([]model.InventoryObject, error) {
	defer i.rlock()()
	out := []model.InventoryObject{}
	for _, v := range vectors {
		if obj, ok := i.m.inv[v]; ok && obj.ExpiresTime > now {
			out = append(out, obj)
		}
	}
	return out, nil
}
