package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlRecordsTableName   = "offline_records"
	sqlOperationTimeout   = 5 * time.Second
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name   string
	driver string
	// bind renders the n-th (1-based) positional placeholder.
	bind func(n int) string
}

var (
	postgresDialect = sqlDialect{
		name:   "postgres",
		driver: "postgres",
		bind:   func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = sqlDialect{
		name:   "sqlite",
		driver: "sqlite",
		bind:   func(int) string { return "?" },
	}
)

// sqlBackend keeps every collection in one table keyed by
// (collection, record_key). It is shared by the postgres and sqlite schemes.
type sqlBackend struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{
		dialect:   postgresDialect,
		dsn:       dsn,
		tableName: sqlRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteBackend(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return &sqlBackend{
		dialect:   sqliteDialect,
		dsn:       path,
		tableName: sqlRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *sqlBackend) Name() string {
	return b.dialect.name
}

func (b *sqlBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, record_key, value, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (collection, record_key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		quoteIdentifier(b.tableName), b.dialect.bind(1), b.dialect.bind(2), b.dialect.bind(3), b.dialect.bind(4))
	_, err := b.db.ExecContext(ctx, query, collection, key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (b *sqlBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := checkKey(collection, key); err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE collection = %s AND record_key = %s",
		quoteIdentifier(b.tableName), b.dialect.bind(1), b.dialect.bind(2))
	var payload string
	err := b.db.QueryRowContext(ctx, query, collection, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *sqlBackend) Delete(ctx context.Context, collection, key string) error {
	if err := checkKey(collection, key); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection = %s AND record_key = %s",
		quoteIdentifier(b.tableName), b.dialect.bind(1), b.dialect.bind(2))
	_, err := b.db.ExecContext(ctx, query, collection, key)
	return err
}

func (b *sqlBackend) List(ctx context.Context, collection string) ([]Record, error) {
	if !validCollection(collection) {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record_key, value FROM %s WHERE collection = %s ORDER BY record_key ASC",
		quoteIdentifier(b.tableName), b.dialect.bind(1))
	rows, err := b.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		out = append(out, Record{Key: key, Value: []byte(payload)})
	}
	return out, rows.Err()
}

func (b *sqlBackend) Clear(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		if !validCollection(collection) {
			return ErrInvalidInput
		}
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf("DELETE FROM %s WHERE collection = %s", quoteIdentifier(b.tableName), b.dialect.bind(1))
	for _, collection := range collections {
		if _, err := tx.ExecContext(ctx, query, collection); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{}
		if b.dialect.name == sqliteDialect.name {
			db.SetMaxOpenConns(1)
			statements = append(statements, fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMsec))
		}
		statements = append(statements, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				record_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (collection, record_key)
			)`, quoteIdentifier(b.tableName)))
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
