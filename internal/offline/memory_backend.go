package offline

import (
	"context"
	"sort"
	"sync"
)

type memoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryBackend() Backend {
	return &memoryBackend{collections: map[string]map[string][]byte{}}
}

func (b *memoryBackend) Name() string {
	return "memory"
}

func (b *memoryBackend) Put(_ context.Context, collection, key string, value []byte) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	records, ok := b.collections[collection]
	if !ok {
		records = map[string][]byte{}
		b.collections[collection] = records
	}
	records[key] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	if err := checkKey(collection, key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.collections[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *memoryBackend) Delete(_ context.Context, collection, key string) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collections[collection], key)
	return nil
}

func (b *memoryBackend) List(_ context.Context, collection string) ([]Record, error) {
	if !validCollection(collection) {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	records := b.collections[collection]
	out := make([]Record, 0, len(records))
	for key, value := range records {
		out = append(out, Record{Key: key, Value: append([]byte(nil), value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *memoryBackend) Clear(_ context.Context, collections ...string) error {
	for _, collection := range collections {
		if !validCollection(collection) {
			return ErrInvalidInput
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, collection := range collections {
		delete(b.collections, collection)
	}
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}
