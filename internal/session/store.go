package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/redisstore"
)

// Store is the Redis-backed Session Store: session:<id> hash-as-JSON
// records, user_sessions:<user_id> secondary-index sets, session_history:<id>
// lists.
type Store struct {
	rds      *redisstore.Client
	log      *logger.Logger
	degraded bool
	fallback *memoryStore
}

const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"
	historyKeyPrefix      = "session_history:"
	versionField          = "summary_version"

	maxCASRetries = 3
)

// New constructs a Store. If rds is nil the store runs permanently in
// degraded (in-process) mode — used in tests and standalone/dev runs.
func New(rds *redisstore.Client, log *logger.Logger) *Store {
	return &Store{rds: rds, log: log, degraded: rds == nil, fallback: newMemoryStore()}
}

// Degraded reports whether the store is currently operating without Redis.
func (s *Store) Degraded() bool { return s.degraded }

func sessionKey(id string) string       { return sessionKeyPrefix + id }
func userSessionsKey(uid string) string { return userSessionsKeyPrefix + uid }
func historyKey(id string) string       { return historyKeyPrefix + id }

// Create persists a brand-new session with version 0.
func (s *Store) Create(ctx context.Context, sess Session) (Session, error) {
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	now := sess.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sess.CreatedAt = now
	sess.LastActiveAt = now
	sess.Summary.Version = 0
	sess.Summary.LastUpdated = now
	sess.syncVersion()
	sess.ExpiresAt = TTLFor(sess.Status, sess.LastActiveAt, now)
	if sess.FullContextKey == "" {
		sess.FullContextKey = historyKey(sess.SessionID)
	}

	if s.degraded {
		s.fallback.create(sess)
		return sess, nil
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("session: marshal on create: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if err := s.rds.Raw().Set(ctx, sessionKey(sess.SessionID), payload, ttl).Err(); err != nil {
		s.markDegraded("create")
		s.fallback.create(sess)
		return sess, nil
	}
	if err := s.rds.Raw().SAdd(ctx, userSessionsKey(sess.UserID), sess.SessionID).Err(); err != nil {
		s.log.Sugar().Warnw("session: failed to index session under user", "session_id", sess.SessionID, "error", err)
	}
	return sess, nil
}

// Get returns a session by id, or ErrNotFound if it has expired or never
// existed — expiry is lazy, so an expired record simply reads as absent.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	if s.degraded {
		return s.fallback.get(sessionID)
	}
	raw, err := s.rds.Raw().Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		s.markDegraded("get")
		return s.fallback.get(sessionID)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("session: unmarshal: %w", err)
	}
	if isExpired(sess) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// ErrNotFound is returned when a session id does not resolve to a live
// (unexpired) record.
var ErrNotFound = errors.New("session: not found")

// ErrConflict is returned by UpdateWithRetry when all CAS attempts lose
// the race.
var ErrConflict = errors.New("session: cas conflict exhausted retries")

func isExpired(sess Session) bool {
	return !sess.ExpiresAt.IsZero() && time.Now().UTC().After(sess.ExpiresAt)
}

// QueryByUser implements query_by_user: join the secondary index against
// the primary store, split by role, sort each list by last_active_at desc
// (ties by created_at desc, then session_id), and cap at opts.MaxPerRole.
func (s *Store) QueryByUser(ctx context.Context, userID string, opts QueryOptions) (QueryResult, error) {
	if opts.MaxPerRole <= 0 {
		opts.MaxPerRole = DefaultMaxPerRole
	}

	var ids []string
	if s.degraded {
		ids = s.fallback.membersOf(userID)
	} else {
		members, err := s.rds.Raw().SMembers(ctx, userSessionsKey(userID)).Result()
		if err != nil {
			s.markDegraded("query")
			ids = s.fallback.membersOf(userID)
		} else {
			ids = members
		}
	}

	var asUser, asExpert []Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // stale index membership from TTL expiry; not an error
		}
		if err != nil {
			return QueryResult{}, err
		}
		if !opts.IncludeExpired && sess.Status == StatusExpired {
			continue
		}
		switch sess.Role {
		case RoleExpert:
			asExpert = append(asExpert, sess)
		default:
			asUser = append(asUser, sess)
		}
	}

	sortSessions(asUser)
	sortSessions(asExpert)
	if len(asUser) > opts.MaxPerRole {
		asUser = asUser[:opts.MaxPerRole]
	}
	if len(asExpert) > opts.MaxPerRole {
		asExpert = asExpert[:opts.MaxPerRole]
	}
	return QueryResult{AsUser: asUser, AsExpert: asExpert, Total: len(asUser) + len(asExpert)}, nil
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			return a.LastActiveAt.After(b.LastActiveAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.SessionID < b.SessionID
	})
}

// CasUpdate is the raw single-attempt primitive: apply mutator to the
// currently-stored record and write it back iff the stored summary
// version still equals expectedVersion.
func (s *Store) CasUpdate(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (CASOutcome, Session, error) {
	if s.degraded {
		return s.fallback.casUpdate(sessionID, expectedVersion, mutate)
	}

	current, err := s.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return CASOutcomeAbsent, Session{}, nil
	}
	if err != nil {
		return CASOutcomeAbsent, Session{}, err
	}

	next := current
	mutate(&next)
	next.Summary.Version = current.Summary.Version + 1
	next.Summary.LastUpdated = time.Now().UTC()
	now := time.Now().UTC()
	resolvedAt := now
	if current.Status != StatusResolved && next.Status == StatusResolved {
		resolvedAt = now
	}
	next.ExpiresAt = TTLFor(next.Status, next.LastActiveAt, resolvedAt)
	next.syncVersion()

	payload, err := json.Marshal(next)
	if err != nil {
		return CASOutcomeAbsent, Session{}, fmt.Errorf("session: marshal on cas: %w", err)
	}

	result, _, err := s.rds.CompareAndSwap(ctx, sessionKey(sessionID), expectedVersion, versionField, payload, time.Until(next.ExpiresAt))
	if err != nil {
		s.markDegraded("cas")
		return s.fallback.casUpdate(sessionID, expectedVersion, mutate)
	}

	switch result {
	case redisstore.CASOK:
		return CASOutcomeOK, next, nil
	case redisstore.CASConflict:
		return CASOutcomeConflict, Session{}, nil
	default:
		return CASOutcomeAbsent, Session{}, nil
	}
}

// UpdateWithRetry makes up to three CasUpdate attempts, backing off
// exponentially between them (50ms, then 100ms); if the third attempt also
// conflicts it returns ErrConflict. The mutator is re-applied against a
// freshly-read record on each attempt.
func (s *Store) UpdateWithRetry(ctx context.Context, sessionID string, mutate Mutator) (Session, error) {
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.Get(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		if err != nil {
			return Session{}, err
		}
		outcome, updated, err := s.CasUpdate(ctx, sessionID, current.Summary.Version, mutate)
		if err != nil {
			return Session{}, err
		}
		switch outcome {
		case CASOutcomeOK:
			return updated, nil
		case CASOutcomeAbsent:
			return Session{}, ErrNotFound
		case CASOutcomeConflict:
			if attempt == maxCASRetries-1 {
				break
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Session{}, ctx.Err()
			}
			backoff *= 2
		}
	}
	return Session{}, ErrConflict
}

func (s *Store) markDegraded(op string) {
	if !s.degraded {
		s.log.Sugar().Errorw("session: redis unavailable, falling back to in-process store", "op", op)
	}
	s.degraded = true
}
