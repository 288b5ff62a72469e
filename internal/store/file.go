package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File keeps one JSON document per kind in a directory. Writes go to a
// temporary file that is renamed over the old one. Only changes made through
// this value are reported to subscribers.
type File struct {
	notify notifier
	dir    string
	mu     sync.Mutex
}

// NewFile returns a store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(kind Kind) string {
	return filepath.Join(f.dir, string(kind)+".json")
}

func (f *File) read(kind Kind) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path(kind), err)
	}
	out := make(map[string]json.RawMessage, len(recs))
	for _, r := range recs {
		out[r.ID] = r.Data
	}
	return out, nil
}

func (f *File) write(kind Kind, entries map[string]json.RawMessage) error {
	recs := make([]Record, 0, len(entries))
	for id, data := range entries {
		recs = append(recs, Record{ID: id, Data: data})
	}
	sortRecords(recs)

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+string(kind)+"-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(kind))
}

func (f *File) LoadAll(ctx context.Context, kind Kind) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}

	f.mu.Lock()
	entries, err := f.read(kind)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	recs := make([]Record, 0, len(entries))
	for id, data := range entries {
		recs = append(recs, Record{ID: id, Data: data})
	}
	sortRecords(recs)
	return recs, nil
}

func (f *File) Save(ctx context.Context, kind Kind, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(kind, rec); err != nil {
		return err
	}

	f.mu.Lock()
	entries, err := f.read(kind)
	if err == nil {
		entries[rec.ID] = rec.Data
		err = f.write(kind, entries)
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", kind, rec.ID, err)
	}

	f.notify.notify(kind)
	return nil
}

func (f *File) Delete(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.Valid() {
		return ErrUnknownKind
	}

	f.mu.Lock()
	entries, err := f.read(kind)
	_, existed := entries[id]
	if err == nil && existed {
		delete(entries, id)
		err = f.write(kind, entries)
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}

	if existed {
		f.notify.notify(kind)
	}
	return nil
}

func (f *File) Subscribe(kind Kind, onChange func()) func() {
	return f.notify.subscribe(kind, onChange)
}

func (f *File) Close() error { return nil }
