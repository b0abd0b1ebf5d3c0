package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one full-text turn in the append-only message-history
// store referenced by Session.FullContextKey.
type HistoryEntry struct {
	Role      SnapshotRole `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// AppendHistory pushes a full (untruncated) message onto the session's
// history list. Implemented as Redis LPUSH so ReadHistory's LRANGE 0 N-1
// returns the newest entries first.
func (s *Store) AppendHistory(ctx context.Context, sessionID string, entry HistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session: marshal history entry: %w", err)
	}
	if s.degraded {
		s.fallback.appendHistory(sessionID, payload)
		return nil
	}
	if err := s.rds.Raw().LPush(ctx, historyKey(sessionID), payload).Err(); err != nil {
		s.markDegraded("append_history")
		s.fallback.appendHistory(sessionID, payload)
	}
	return nil
}

// ReadHistory returns up to limit of the most recent entries (limit<=0
// means "all").
func (s *Store) ReadHistory(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error) {
	var raw [][]byte
	if s.degraded {
		raw = s.fallback.readHistory(sessionID, limit)
	} else {
		stop := int64(-1)
		if limit > 0 {
			stop = int64(limit - 1)
		}
		items, err := s.rds.Raw().LRange(ctx, historyKey(sessionID), 0, stop).Result()
		if err != nil {
			s.markDegraded("read_history")
			raw = s.fallback.readHistory(sessionID, limit)
		} else {
			for _, it := range items {
				raw = append(raw, []byte(it))
			}
		}
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal(r, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
