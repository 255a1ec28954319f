package localref

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Prefix is the path under which references are served.
const Prefix = "/originals/"

// Entry is the payload behind a reference.
type Entry struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store holds originals in memory behind revocable references.
// It implements domain.RefStore.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Create registers data and returns its reference.
func (s *Store) Create(name, contentType string, data []byte) string {
	key := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Name: name, ContentType: contentType, Data: data}
	return Prefix + key
}

// Open returns the entry behind ref.
func (s *Store) Open(ref string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[strings.TrimPrefix(ref, Prefix)]
	return e, ok
}

// Release revokes ref. It reports false if ref was unknown or already released.
func (s *Store) Release(ref string) bool {
	key := strings.TrimPrefix(ref, Prefix)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Len returns the number of live references.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
