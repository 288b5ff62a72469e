package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps records in process memory. Subscribers are notified
// synchronously on the goroutine that made the change.
type Memory struct {
	data   map[Kind]map[string]json.RawMessage
	notify notifier
	mu     sync.RWMutex
	closed bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	m := &Memory{data: make(map[Kind]map[string]json.RawMessage)}
	for _, k := range Kinds {
		m.data[k] = make(map[string]json.RawMessage)
	}
	return m
}

func (m *Memory) LoadAll(ctx context.Context, kind Kind) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := make([]Record, 0, len(m.data[kind]))
	for id, data := range m.data[kind] {
		recs = append(recs, Record{ID: id, Data: append(json.RawMessage(nil), data...)})
	}
	sortRecords(recs)
	return recs, nil
}

func (m *Memory) Save(ctx context.Context, kind Kind, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(kind, rec); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.data[kind][rec.ID] = append(json.RawMessage(nil), rec.Data...)
	m.mu.Unlock()

	m.notify.notify(kind)
	return nil
}

func (m *Memory) Delete(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.Valid() {
		return ErrUnknownKind
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.data[kind][id]
	delete(m.data[kind], id)
	m.mu.Unlock()

	if existed {
		m.notify.notify(kind)
	}
	return nil
}

func (m *Memory) Subscribe(kind Kind, onChange func()) func() {
	return m.notify.subscribe(kind, onChange)
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int { return m.notify.count() }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
