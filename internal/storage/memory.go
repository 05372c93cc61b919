package storage

import (
	"context"
	"sync"

	"mercury/internal/proto"
)

// Memory is a process-local repository. Records are kept encoded so callers
// never share slices or maps with the store.
type Memory[T Record[T]] struct {
	mu   sync.Mutex
	data map[proto.ProfileID][]byte
}

func NewMemory[T Record[T]]() *Memory[T] {
	return &Memory[T]{data: make(map[proto.ProfileID][]byte)}
}

func (m *Memory[T]) load(id proto.ProfileID) (T, bool, error) {
	raw, ok := m.data[id]
	if !ok {
		var zero T
		return zero, false, nil
	}
	rec, err := decode[T](raw)
	return rec, err == nil, err
}

func (m *Memory[T]) Get(_ context.Context, id proto.ProfileID) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok, err := m.load(id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, notFound(id)
	}
	return visible(rec, id)
}

func (m *Memory[T]) Set(_ context.Context, rec T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(rec)
}

func (m *Memory[T]) setLocked(rec T) error {
	stored, found, err := m.load(rec.RecordID())
	if err != nil {
		return err
	}
	write, err := admit(stored, found, rec)
	if err != nil || !write {
		return err
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	m.data[rec.RecordID()] = raw
	return nil
}

func (m *Memory[T]) Clear(_ context.Context, id proto.ProfileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, found, err := m.load(id)
	if err != nil {
		return err
	}
	if !found || stored.IsTombstone() {
		return notFound(id)
	}
	return m.setLocked(stored.Tombstone())
}

func (m *Memory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
