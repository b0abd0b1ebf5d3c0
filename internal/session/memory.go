package session

import (
	"sync"
	"time"
)

// memoryStore is the in-process fallback used when Redis is unreachable.
// Semantics mirror the Redis path exactly (same TTL rules, same CAS
// contract); records written here are never migrated back on recovery,
// per §4.1's failure-semantics note.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]Session
	byUser   map[string]map[string]bool
	history  map[string][][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[string]Session),
		byUser:  make(map[string]map[string]bool),
		history: make(map[string][][]byte),
	}
}

func (m *memoryStore) create(sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sess.SessionID] = sess
	if m.byUser[sess.UserID] == nil {
		m.byUser[sess.UserID] = make(map[string]bool)
	}
	m.byUser[sess.UserID][sess.SessionID] = true
}

func (m *memoryStore) get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.records[sessionID]
	if !ok || isExpired(sess) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *memoryStore) membersOf(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (m *memoryStore) casUpdate(sessionID string, expectedVersion int64, mutate Mutator) (CASOutcome, Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[sessionID]
	if !ok || isExpired(current) {
		return CASOutcomeAbsent, Session{}, nil
	}
	if current.Summary.Version != expectedVersion {
		return CASOutcomeConflict, Session{}, nil
	}

	next := current
	mutate(&next)
	next.Summary.Version = current.Summary.Version + 1
	now := time.Now().UTC()
	next.Summary.LastUpdated = now
	resolvedAt := now
	next.ExpiresAt = TTLFor(next.Status, next.LastActiveAt, resolvedAt)
	next.syncVersion()

	m.records[sessionID] = next
	return CASOutcomeOK, next, nil
}

func (m *memoryStore) appendHistory(sessionID string, record []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sessionID] = append([][]byte{record}, m.history[sessionID]...)
}

func (m *memoryStore) readHistory(sessionID string, limit int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.history[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([][]byte, limit)
	copy(out, all[:limit])
	return out
}
