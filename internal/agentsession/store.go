// Package agentsession implements the User-to-Agent-Session Store: the
// mapping from an external user identity to the agent runtime's resumable
// session id.
package agentsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/redisstore"
)

// Mapping is one user's resumable-session record (spec §3.4).
type Mapping struct {
	UserID            string `json:"user_id"`
	InternalSessionID string `json:"internal_session_id"`
	AgentSessionID    string `json:"agent_session_id,omitempty"`
}

// TTL is the sliding 7-day window refreshed on every write.
const TTL = 7 * 24 * time.Hour

// ErrNotFound is returned when no mapping exists for a user.
var ErrNotFound = errors.New("agentsession: not found")

// Store is the Redis-backed mapping store with an in-process fallback.
type Store struct {
	rds      *redisstore.Client
	log      *logger.Logger
	degraded bool

	mu  sync.RWMutex
	mem map[string]Mapping
}

func New(rds *redisstore.Client, log *logger.Logger) *Store {
	return &Store{rds: rds, log: log, degraded: rds == nil, mem: make(map[string]Mapping)}
}

func keyFor(userID string) string { return "kb_session:" + userID }

// Get returns the current mapping for userID.
func (s *Store) Get(ctx context.Context, userID string) (Mapping, error) {
	if s.degraded {
		s.mu.RLock()
		defer s.mu.RUnlock()
		m, ok := s.mem[userID]
		if !ok {
			return Mapping{}, ErrNotFound
		}
		return m, nil
	}

	vals, err := s.rds.Raw().HGetAll(ctx, keyFor(userID)).Result()
	if err != nil {
		s.markDegraded("get")
		return s.Get(ctx, userID)
	}
	if len(vals) == 0 {
		return Mapping{}, ErrNotFound
	}
	return Mapping{
		UserID:            userID,
		InternalSessionID: vals["internal_session_id"],
		AgentSessionID:    vals["agent_session_id"],
	}, nil
}

// Save writes (or refreshes) the mapping, sliding the TTL forward.
func (s *Store) Save(ctx context.Context, m Mapping) error {
	if s.degraded {
		s.mu.Lock()
		s.mem[m.UserID] = m
		s.mu.Unlock()
		return nil
	}

	pipe := s.rds.Raw().TxPipeline()
	pipe.HSet(ctx, keyFor(m.UserID), map[string]interface{}{
		"internal_session_id": m.InternalSessionID,
		"agent_session_id":    m.AgentSessionID,
	})
	pipe.Expire(ctx, keyFor(m.UserID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markDegraded("save")
		s.mu.Lock()
		s.mem[m.UserID] = m
		s.mu.Unlock()
		return nil
	}
	return nil
}

// PersistAgentSessionID is the write path used by the orchestrator after a
// turn's terminal result: writes back only when the id changed (including
// first assignment), refreshing the sliding TTL either way.
func (s *Store) PersistAgentSessionID(ctx context.Context, userID, internalSessionID, agentSessionID string) error {
	current, err := s.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && current.AgentSessionID == agentSessionID && current.InternalSessionID == internalSessionID {
		return s.Save(ctx, current) // still slide the TTL
	}
	return s.Save(ctx, Mapping{UserID: userID, InternalSessionID: internalSessionID, AgentSessionID: agentSessionID})
}

// Delete removes the mapping for userID (context-clear path).
func (s *Store) Delete(ctx context.Context, userID string) error {
	if s.degraded {
		s.mu.Lock()
		delete(s.mem, userID)
		s.mu.Unlock()
		return nil
	}
	if err := s.rds.Raw().Del(ctx, keyFor(userID)).Err(); err != nil {
		return fmt.Errorf("agentsession: delete: %w", err)
	}
	return nil
}

func (s *Store) markDegraded(op string) {
	if !s.degraded {
		s.log.Sugar().Errorw("agentsession: redis unavailable, falling back to in-process store", "op", op)
	}
	s.degraded = true
}

// Degraded reports whether the store has fallen back to its in-process
// map after a Redis failure.
func (s *Store) Degraded() bool { return s.degraded }
