// Package session implements the Session Store: a durable, version-guarded
// map of session records indexed by session-id and by user-id.
package session

import "time"

// Role is frozen for a session's lifetime.
type Role string

const (
	RoleUser         Role = "USER"
	RoleExpert       Role = "EXPERT"
	RoleExpertAsUser Role = "EXPERT_AS_USER"
)

// Status is mutable and drives the TTL policy.
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusWaitingExpert  Status = "WAITING_EXPERT"
	StatusResolved       Status = "RESOLVED"
	StatusExpired        Status = "EXPIRED"
)

// SnapshotRole identifies who produced a MessageSnapshot.
type SnapshotRole string

const (
	SnapshotUser   SnapshotRole = "user"
	SnapshotAgent  SnapshotRole = "agent"
	SnapshotExpert SnapshotRole = "expert"
)

// MessageSnapshot is a short, truncated record of one exchange, kept inline
// in the summary. Full text lives in the append-only history store.
type MessageSnapshot struct {
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Role      SnapshotRole `json:"role"`
}

// maxSnapshotChars bounds latest_exchange content per §4.4 step 8.
const maxSnapshotChars = 200

// TruncateForSnapshot clips text to the summary-snapshot length limit.
func TruncateForSnapshot(s string) string {
	r := []rune(s)
	if len(r) <= maxSnapshotChars {
		return s
	}
	return string(r[:maxSnapshotChars])
}

// maxKeyPoints is the FIFO cap on SessionSummary.KeyPoints.
const maxKeyPoints = 10

// Summary is the version-guarded, concurrently-updated portion of a Session.
type Summary struct {
	OriginalQuestion string           `json:"original_question"`
	LatestExchange   *MessageSnapshot `json:"latest_exchange,omitempty"`
	KeyPoints        []string         `json:"key_points"`
	LastUpdated      time.Time        `json:"last_updated"`
	Version          int64            `json:"version"`
}

// MergeKeyPoints appends new points, deduplicating against the existing
// list and FIFO-evicting the oldest entries past maxKeyPoints.
func (s *Summary) MergeKeyPoints(points ...string) {
	seen := make(map[string]bool, len(s.KeyPoints))
	for _, p := range s.KeyPoints {
		seen[p] = true
	}
	for _, p := range points {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		s.KeyPoints = append(s.KeyPoints, p)
	}
	if over := len(s.KeyPoints) - maxKeyPoints; over > 0 {
		s.KeyPoints = append([]string(nil), s.KeyPoints[over:]...)
	}
}

// Session is one semantic conversational thread for one user in one role.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	Status         Status    `json:"status"`
	Summary        Summary   `json:"summary"`
	RelatedUserID  string    `json:"related_user_id,omitempty"`
	Domain         string    `json:"domain,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	MessageCount   int64     `json:"message_count"`
	Tags           []string  `json:"tags,omitempty"`
	FullContextKey string    `json:"full_context_key"`

	// SummaryVersion mirrors Summary.Version at the top level so the Redis
	// CAS script (which only inspects a flat field) can compare it without
	// decoding the nested summary object twice.
	SummaryVersion int64 `json:"summary_version"`
}

// syncVersion keeps the flat SummaryVersion mirror consistent before
// serialisation; callers must invoke this after mutating Summary.Version.
func (s *Session) syncVersion() { s.SummaryVersion = s.Summary.Version }

const (
	activeTTL   = 7 * 24 * time.Hour
	resolvedTTL = 24 * time.Hour
)

// TTLFor computes the expiry the record should carry given its current
// status and, for RESOLVED, the time of the transition.
func TTLFor(status Status, lastActiveAt, resolvedAt time.Time) time.Time {
	if status == StatusResolved {
		return resolvedAt.Add(resolvedTTL)
	}
	return lastActiveAt.Add(activeTTL)
}

// QueryResult is the shape returned by query_by_user.
type QueryResult struct {
	AsUser   []Session `json:"as_user"`
	AsExpert []Session `json:"as_expert"`
	Total    int       `json:"total"`
}

// CASOutcome is the result of a cas_update call.
type CASOutcome int

const (
	CASOutcomeOK CASOutcome = iota
	CASOutcomeConflict
	CASOutcomeAbsent
)

// Mutator transforms a session in place to produce the next version; it
// must not itself touch Summary.Version or ExpiresAt — the store does that.
type Mutator func(s *Session)

// QueryOptions bounds query_by_user.
type QueryOptions struct {
	IncludeExpired bool
	MaxPerRole     int
}

// DefaultMaxPerRole caps session enumeration at 10 per role.
const DefaultMaxPerRole = 10
