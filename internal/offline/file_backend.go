package offline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type fileBackend struct {
	path        string
	lock        *os.File
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
}

type fileBackendState struct {
	Collections map[string]map[string]json.RawMessage `json:"collections"`
}

// NewFileBackend opens (or creates) a JSON snapshot store at path. Every
// mutation rewrites the snapshot through a temp file and rename, so a crash
// leaves either the old or the new snapshot on disk. Values must be JSON.
func NewFileBackend(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	b := &fileBackend{
		path:        path,
		lock:        lock,
		collections: map[string]map[string]json.RawMessage{},
	}
	if err := b.load(); err != nil {
		_ = releaseFileLock(lock)
		return nil, err
	}
	return b, nil
}

func (b *fileBackend) Name() string {
	return "file"
}

func (b *fileBackend) Put(_ context.Context, collection, key string, value []byte) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return ErrClosed
	}
	records, ok := b.collections[collection]
	if !ok {
		records = map[string]json.RawMessage{}
		b.collections[collection] = records
	}
	previous, existed := records[key]
	records[key] = append(json.RawMessage(nil), value...)
	if err := b.saveLocked(); err != nil {
		if existed {
			records[key] = previous
		} else {
			delete(records, key)
		}
		return err
	}
	return nil
}

func (b *fileBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	if err := checkKey(collection, key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.collections[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *fileBackend) Delete(_ context.Context, collection, key string) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return ErrClosed
	}
	records := b.collections[collection]
	previous, existed := records[key]
	if !existed {
		return nil
	}
	delete(records, key)
	if err := b.saveLocked(); err != nil {
		records[key] = previous
		return err
	}
	return nil
}

func (b *fileBackend) List(_ context.Context, collection string) ([]Record, error) {
	if !validCollection(collection) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.collections[collection]
	out := make([]Record, 0, len(records))
	for key, value := range records {
		out = append(out, Record{Key: key, Value: append([]byte(nil), value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *fileBackend) Clear(_ context.Context, collections ...string) error {
	for _, collection := range collections {
		if !validCollection(collection) {
			return ErrInvalidInput
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return ErrClosed
	}
	removed := map[string]map[string]json.RawMessage{}
	for _, collection := range collections {
		if records, ok := b.collections[collection]; ok {
			removed[collection] = records
			delete(b.collections, collection)
		}
	}
	if err := b.saveLocked(); err != nil {
		for collection, records := range removed {
			b.collections[collection] = records
		}
		return err
	}
	return nil
}

func (b *fileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return nil
	}
	err := releaseFileLock(b.lock)
	b.lock = nil
	return err
}

func (b *fileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot fileBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for collection, records := range snapshot.Collections {
		if !validCollection(collection) || records == nil {
			continue
		}
		b.collections[collection] = records
	}
	return nil
}

func (b *fileBackend) saveLocked() error {
	snapshot := fileBackendState{Collections: b.collections}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
