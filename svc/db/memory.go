package db

import (
	"context"
	"sync"

	"fadebin/pkg/domain"
)

// Memory keeps serialized records in a map. It honours the same
// conditional insert and compare-and-swap contract as the networked
// backends, so the paste service behaves identically on top of it.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}
func (m *Memory) Create(ctx context.Context, p *domain.Paste) (err error) {
	defer observe("memory", "create")(&err)
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := domain.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[Key(p.ID)]; ok {
		return domain.ErrIDCollision
	}
	m.data[Key(p.ID)] = data
	return nil
}
func (m *Memory) Load(ctx context.Context, id string) (p *domain.Paste, err error) {
	defer observe("memory", "load")(&err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.data[Key(id)]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	return domain.Unmarshal(id, data)
}
func (m *Memory) UpdateIf(ctx context.Context, expected, next *domain.Paste) (err error) {
	defer observe("memory", "update_if")(&err)
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := domain.Marshal(next)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[Key(expected.ID)]
	if !ok {
		return domain.ErrConflict
	}
	current, err := domain.Unmarshal(expected.ID, raw)
	if err != nil {
		return err
	}
	if !current.Equal(expected) {
		return domain.ErrConflict
	}
	m.data[Key(expected.ID)] = data
	return nil
}
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, Key(id))
	m.mu.Unlock()
	return nil
}

// Put stores a raw value under key, bypassing the record codec.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
}
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error                   { return nil }
