package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps all stores of one origin in a single SQLite database.
// Entries belong to a store by id, so a handle to a deleted store can never write
// into a later store that happens to reuse the name.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (and migrates) the database with the given file name.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open cache db: %w", err)
	}
	// one connection: sqlite serializes writers anyway, and an in-memory db lives
	// only as long as its connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		`CREATE TABLE IF NOT EXISTS stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store_id INTEGER NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store_id, key)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("migrate cache db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM stores WHERE name = ?", name).Scan(&id); err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &sqliteStore{storage: s, id: id, name: name}, nil
}

func (s SQLiteStorage) Lookup(ctx context.Context, name string) (Store, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM stores WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup store %s: %w", name, err)
	}
	return &sqliteStore{storage: s, id: id, name: name}, true, nil
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		"DELETE FROM entries WHERE store_id IN (SELECT id FROM stores WHERE name = ?)", name)
	if err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

type sqliteStore struct {
	storage SQLiteStorage
	id      int64
	name    string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	// byte-wise substr instead of LIKE, since request URIs contain % and _
	rows, err := s.storage.db.QueryContext(ctx, `SELECT
		key, stored_at, bytes
		FROM entries WHERE store_id = ? AND substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)
		ORDER BY key`, s.id, len(prefix), prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(storedAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	tx, err := s.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE id = ?", s.id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreDeleted
	} else if err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(store_id, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			s.id, entry.Key, entry.StoredAt.Unix(), entry.Bytes)
		if err != nil {
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE store_id = ? ORDER BY key", s.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
