// Package storage persists sender command history. The hub talks to the
// CommandStore interface and keeps its own cache-through copy; the
// backing implementation can be a database or the in-memory store.
package storage

import (
	"strconv"
	"sync"
)

// Entry is one persisted command row, keyed by the sender's history key
// (the sanitized device id when the camera supplies one, otherwise the
// slot id).
type Entry struct {
	Id           string
	User         string
	UserUsername string
	UserRole     string
	Text         string
	Timestamp    string
}

// CommandStore is the persistence surface of the command channel.
// Implementations must be safe for concurrent use.
type CommandStore interface {
	// List returns the history of one key in insertion order.
	List(key string) ([]Entry, error)
	// Insert stores a new entry and returns its assigned id.
	Insert(key string, e Entry) (string, error)
	// Delete removes an entry by id within one key. Unknown ids are not
	// an error.
	Delete(key, id string) error
	// FindRoleByUsername resolves a username to its account role, empty
	// when unknown.
	FindRoleByUsername(username string) (string, error)
}

// Memory is the in-process store used when no database is wired in. Ids
// are monotonically assigned, mirroring autoincrement rowids.
type Memory struct {
	mu      sync.Mutex
	nextId  int64
	entries map[string][]Entry
	roles   map[string]string
}

func NewMemory() *Memory {
	return &Memory{nextId: 1, entries: make(map[string][]Entry), roles: make(map[string]string)}
}

// SetRole seeds the username to role mapping.
func (m *Memory) SetRole(username, role string) {
	m.mu.Lock()
	m.roles[username] = role
	m.mu.Unlock()
}

func (m *Memory) List(key string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.entries[key]
	out := make([]Entry, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) Insert(key string, e Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Id = strconv.FormatInt(m.nextId, 10)
	m.nextId++
	m.entries[key] = append(m.entries[key], e)
	return e.Id, nil
}

func (m *Memory) Delete(key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.entries[key]
	for i, e := range src {
		if e.Id == id {
			m.entries[key] = append(src[:i:i], src[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) FindRoleByUsername(username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[username], nil
}
