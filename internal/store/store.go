// Package store persists markers, drawings and floor plans and notifies
// subscribers when a kind changes. Backends: in-memory, JSON files, Redis and
// Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Kind names an entity collection.
type Kind string

const (
	KindMarkers    Kind = "markers"
	KindDrawings   Kind = "drawings"
	KindFloorPlans Kind = "floorPlans"
)

// Kinds lists every collection.
var Kinds = []Kind{KindMarkers, KindDrawings, KindFloorPlans}

// Valid reports whether k is a known collection.
func (k Kind) Valid() bool {
	switch k {
	case KindMarkers, KindDrawings, KindFloorPlans:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrUnknownKind is returned for a collection name outside Kinds.
	ErrUnknownKind = errors.New("unknown entity kind")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Record is one persisted entity, upserted by ID.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Store is the persistence collaborator of the core.
type Store interface {
	// LoadAll returns every record of kind ordered by ID.
	LoadAll(ctx context.Context, kind Kind) ([]Record, error)
	// Save upserts rec.
	Save(ctx context.Context, kind Kind, rec Record) error
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, kind Kind, id string) error
	// Subscribe registers onChange for changes to kind. Backends shared
	// between processes also report changes made elsewhere. onChange may run
	// on any goroutine.
	Subscribe(kind Kind, onChange func()) (unsubscribe func())
	Close() error
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	subs map[Kind]map[int]func()
	mu   sync.Mutex
	next int
}

func (n *notifier) subscribe(kind Kind, fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[Kind]map[int]func())
	}
	if n.subs[kind] == nil {
		n.subs[kind] = make(map[int]func())
	}
	n.next++
	id := n.next
	n.subs[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[kind], id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify(kind Kind) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs[kind]))
	for id := range n.subs[kind] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[kind][id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, subs := range n.subs {
		total += len(subs)
	}
	return total
}

func checkRecord(kind Kind, rec Record) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	if rec.ID == "" {
		return errors.New("record has no id")
	}
	if !json.Valid(rec.Data) {
		return errors.New("record data is not valid JSON")
	}
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
