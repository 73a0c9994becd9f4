package offline

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// BuildBackendFromDSN opens the backend named by dsn:
//
//	badger:///var/lib/studysync/db   embedded BadgerDB (badger://?inmemory=true for tests)
//	file:///path/store.json          JSON snapshot file (a bare path means the same)
//	memory://                        process memory
//	postgres://user@host/db          lib/pq
//	sqlite:///path/store.db          modernc sqlite
func BuildBackendFromDSN(dsn string, logger *zap.Logger) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "badger":
		inMemory, _ := strconv.ParseBool(parsed.Query().Get("inmemory"))
		opts := BadgerOptions{
			InMemory:   inMemory,
			SyncWrites: !inMemory,
			Logger:     logger,
		}
		if !inMemory {
			path, pathErr := dsnPath(parsed, dsn)
			if pathErr != nil {
				return nil, pathErr
			}
			opts.Path = path
		}
		return NewBadgerBackend(opts)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "redis", "indexeddb":
		return nil, fmt.Errorf("%w: offline backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported offline backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
