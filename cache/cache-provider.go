package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrStoreDeleted is returned when writing through a Store handle whose store
// has been deleted from the Storage since it was opened.
var ErrStoreDeleted = errors.New("cache store has been deleted")

// Storage is the origin-scoped namespace of named cache stores.
// Every deployed version of the agent owns exactly one store, named by its version tag.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Store, error)
	// Lookup returns the store with the given name only if it already exists.
	// It never creates a store.
	Lookup(ctx context.Context, name string) (Store, bool, error)
	// Names returns the names of all stores, oldest first.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It returns false if no such store existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Store is a single named mapping from request keys to serialized responses.
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns all entries with the given key prefix.
	// A prefix identifies a request; the entries are its stored variants.
	Match(ctx context.Context, prefix string) ([]Entry, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in the store in key order.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a stored response.
// Bytes are never modified after the entry is put.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	seq    *int
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
		seq:    new(int),
	}
}

func (m MemStorage) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	*m.seq++
	s := &memStore{
		name:    name,
		seq:     *m.seq,
		mutex:   &sync.RWMutex{},
		entries: make(map[string]Entry),
	}
	m.stores[name] = s
	return s, nil
}

func (m MemStorage) Lookup(_ context.Context, name string) (Store, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, false, nil
	}
	return s, true, nil
}

func (m MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stores := make([]*memStore, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].seq < stores[j].seq })
	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}
	return names, nil
}

func (m MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	s.mutex.Lock()
	s.deleted = true
	s.entries = make(map[string]Entry)
	s.mutex.Unlock()
	return true, nil
}

type memStore struct {
	name    string
	seq     int
	mutex   *sync.RWMutex
	entries map[string]Entry
	deleted bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(_ context.Context, prefix string) ([]Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entries := make([]Entry, 0)
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *memStore) Put(_ context.Context, entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *memStore) PutAll(_ context.Context, entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	for _, entry := range entries {
		s.entries[entry.Key] = entry
	}
	return nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
