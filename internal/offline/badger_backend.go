package offline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerOptions configures the embedded BadgerDB backend, the default durable
// store for a single client.
type BadgerOptions struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zap.Logger
}

type badgerBackend struct {
	db       *badger.DB
	inMemory bool

	stopGC   chan struct{}
	gcDone   chan struct{}
	closeErr error
	once     sync.Once
}

type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.sugar.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

func NewBadgerBackend(opts BadgerOptions) (Backend, error) {
	path := strings.TrimSpace(opts.Path)
	if !opts.InMemory && path == "" {
		return nil, ErrInvalidInput
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, err
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(badgerLogger{sugar: opts.Logger.Named("badger").Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	b := &badgerBackend{db: db, inMemory: opts.InMemory}
	if opts.GCInterval > 0 && !opts.InMemory {
		ratio := opts.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(opts.GCInterval, ratio, opts.Logger)
	}
	return b, nil
}

func (b *badgerBackend) Name() string {
	if b.inMemory {
		return "badger-memory"
	}
	return "badger"
}

func (b *badgerBackend) Put(_ context.Context, collection, key string, value []byte) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(collection, key), value)
	})
}

func (b *badgerBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	if err := checkKey(collection, key); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *badgerBackend) Delete(_ context.Context, collection, key string) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(collection, key))
	})
}

func (b *badgerBackend) List(_ context.Context, collection string) ([]Record, error) {
	if !validCollection(collection) {
		return nil, ErrInvalidInput
	}
	prefix := badgerPrefix(collection)
	out := []Record{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Record{
				Key:   string(item.Key()[len(prefix):]),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *badgerBackend) Clear(_ context.Context, collections ...string) error {
	prefixes := make([][]byte, 0, len(collections))
	for _, collection := range collections {
		if !validCollection(collection) {
			return ErrInvalidInput
		}
		prefixes = append(prefixes, badgerPrefix(collection))
	}
	if len(prefixes) == 0 {
		return nil
	}
	// DropPrefix blocks writers until every prefix is gone.
	return b.db.DropPrefix(prefixes...)
}

func (b *badgerBackend) Close() error {
	b.once.Do(func() {
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func (b *badgerBackend) runGC(interval time.Duration, ratio float64, logger *zap.Logger) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log gc failed", zap.Error(err))
			}
		}
	}
}

func badgerPrefix(collection string) []byte {
	return []byte(collection + "\x00")
}

func badgerKey(collection, key string) []byte {
	return append(badgerPrefix(collection), key...)
}
