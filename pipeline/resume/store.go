// Package resume persists the small slice of pipeline state that must
// survive a process restart: which jobs are being watched, which one is
// selected, and how far a client-side upload had progressed.
package resume

import (
	"database/sql"
	"sync"

	"github.com/corelms/importpipe/errors"
)

// Store is a string key-value medium for resume state. Implementations
// are last-write-wins and safe for concurrent use; the Keeper on top
// serializes its read-modify-write cycles itself.
type Store interface {
	// Get returns the value for key, or ok=false when absent.
	Get(key string) (value string, ok bool, err error)
	// Set writes key to value, replacing any previous value.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}

// SQLStore keeps resume state in the local SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database. The resume_state table must
// already exist (db.Migrate runs the schema).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM resume_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading resume key %q", key)
	}
	return value, true, nil
}

func (s *SQLStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO resume_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return errors.Wrapf(err, "writing resume key %q", key)
	}
	return nil
}

func (s *SQLStore) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM resume_state WHERE key = ?", key); err != nil {
		return errors.Wrapf(err, "removing resume key %q", key)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and for running with
// persistence disabled. Safe for concurrent use, matching SQLStore.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
