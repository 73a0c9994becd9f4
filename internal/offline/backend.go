package offline

import "context"

type Record struct {
	Key   string
	Value []byte
}

// Backend is a collection-keyed byte store. Collections are independent
// namespaces; List returns records in key order. Clear must remove every
// record of the named collections in a single step from the caller's point
// of view.
type Backend interface {
	Name() string
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]Record, error)
	Clear(ctx context.Context, collections ...string) error
	Close() error
}

func validCollection(collection string) bool {
	for _, c := range AllCollections {
		if c == collection {
			return true
		}
	}
	return false
}

func checkKey(collection, key string) error {
	if !validCollection(collection) || key == "" {
		return ErrInvalidInput
	}
	return nil
}
