package convstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/redisstore"
)

// ErrNotFound is returned when no record exists for a user (or it expired).
var ErrNotFound = errors.New("convstate: not found")

// Store is the channel-prefixed conversation-state store: keys look like
// "<channel>:conv_state:<user_id>" per spec §6.2.
type Store struct {
	rds      *redisstore.Client
	log      *logger.Logger
	degraded bool

	mu      sync.RWMutex
	records map[string]Record // in-memory fallback, keyed by "channel:user_id"
}

// New constructs a Store; rds may be nil to force permanent fallback mode
// (used by tests and standalone runs).
func New(rds *redisstore.Client, log *logger.Logger) *Store {
	return &Store{rds: rds, log: log, degraded: rds == nil, records: make(map[string]Record)}
}

func key(channel, userID string) string {
	return fmt.Sprintf("%s:conv_state:%s", channel, userID)
}

func fallbackKey(channel, userID string) string { return channel + ":" + userID }

// Get returns the current record for userID on channel.
func (s *Store) Get(ctx context.Context, channel, userID string) (Record, error) {
	if s.degraded {
		s.mu.RLock()
		defer s.mu.RUnlock()
		r, ok := s.records[fallbackKey(channel, userID)]
		if !ok {
			return Record{}, ErrNotFound
		}
		return r, nil
	}

	raw, err := s.rds.Raw().Get(ctx, key(channel, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		s.markDegraded("get")
		return s.Get(ctx, channel, userID)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("convstate: unmarshal: %w", err)
	}
	return r, nil
}

// Update applies patch to the record for userID (creating it with
// State=IDLE if absent) and persists it with the absolute 24h TTL
// measured from ContactedAt.
func (s *Store) Update(ctx context.Context, channel, userID string, patch Patch) (Record, error) {
	r, err := s.Get(ctx, channel, userID)
	if errors.Is(err, ErrNotFound) {
		r = Record{UserID: userID, State: StateIdle}
	} else if err != nil {
		return Record{}, err
	}

	if patch.State != nil {
		if *patch.State == StateWaitingExpert && r.State != StateWaitingExpert {
			r.ContactedAt = time.Now().UTC()
		}
		r.State = *patch.State
	}
	if patch.UserQuestion != nil {
		r.UserQuestion = *patch.UserQuestion
	}
	if patch.Domain != nil {
		r.Domain = *patch.Domain
	}
	if patch.ExpertUserID != nil {
		r.ExpertUserID = *patch.ExpertUserID
	}
	if patch.ExpertName != nil {
		r.ExpertName = *patch.ExpertName
	}
	if patch.ExpertReply != nil {
		r.ExpertReply = *patch.ExpertReply
	}

	return s.put(ctx, channel, r)
}

func (s *Store) put(ctx context.Context, channel string, r Record) (Record, error) {
	if s.degraded {
		s.mu.Lock()
		s.records[fallbackKey(channel, r.UserID)] = r
		s.mu.Unlock()
		return r, nil
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("convstate: marshal: %w", err)
	}
	ttl := TTL
	if !r.ContactedAt.IsZero() {
		if remaining := TTL - time.Since(r.ContactedAt); remaining > 0 {
			ttl = remaining
		}
	}
	if err := s.rds.Raw().Set(ctx, key(channel, r.UserID), payload, ttl).Err(); err != nil {
		s.markDegraded("put")
		s.mu.Lock()
		s.records[fallbackKey(channel, r.UserID)] = r
		s.mu.Unlock()
	}
	return r, nil
}

// Clear removes the conversation-state slot for userID.
func (s *Store) Clear(ctx context.Context, channel, userID string) error {
	if s.degraded {
		s.mu.Lock()
		delete(s.records, fallbackKey(channel, userID))
		s.mu.Unlock()
		return nil
	}
	if err := s.rds.Raw().Del(ctx, key(channel, userID)).Err(); err != nil {
		s.log.Sugar().Warnw("convstate: clear failed", "user_id", userID, "error", err)
	}
	return nil
}

// ScanWaiting returns every record currently in WAITING_FOR_EXPERT across
// all users on channel, for the periodic reminder/timeout sweep.
func (s *Store) ScanWaiting(ctx context.Context, channel string) ([]Record, error) {
	if s.degraded {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []Record
		for k, r := range s.records {
			if len(k) > len(channel) && k[:len(channel)+1] == channel+":" && r.State == StateWaitingExpert {
				out = append(out, r)
			}
		}
		return out, nil
	}

	var out []Record
	iter := s.rds.Raw().Scan(ctx, 0, fmt.Sprintf("%s:conv_state:*", channel), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rds.Raw().Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.State == StateWaitingExpert {
			out = append(out, r)
		}
	}
	if err := iter.Err(); err != nil {
		s.markDegraded("scan_waiting")
		return s.ScanWaiting(ctx, channel)
	}
	return out, nil
}

// FindPendingForExpert returns the waiting record addressed to
// expertUserID, if any — used when an answer-shaped message arrives from
// a known expert.
func (s *Store) FindPendingForExpert(ctx context.Context, channel, expertUserID string) (Record, error) {
	waiting, err := s.ScanWaiting(ctx, channel)
	if err != nil {
		return Record{}, err
	}
	for _, r := range waiting {
		if r.ExpertUserID == expertUserID {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *Store) markDegraded(op string) {
	if !s.degraded {
		s.log.Sugar().Errorw("convstate: redis unavailable, falling back to in-process store", "op", op)
	}
	s.degraded = true
}

// Degraded reports whether the store has fallen back to its in-process
// map after a Redis failure.
func (s *Store) Degraded() bool { return s.degraded }
