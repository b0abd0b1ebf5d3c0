// Package convstate implements the Conversation-State Store: a per-user
// single-slot state machine tracking one outstanding expert-mediated
// question.
package convstate

import "time"

// State is the per-user expert-mediation phase.
type State string

const (
	StateIdle            State = "IDLE"
	StateWaitingExpert   State = "WAITING_FOR_EXPERT"
	StateCompleted       State = "COMPLETED"
)

// Record is one user's conversation-state slot (spec §3.3).
type Record struct {
	UserID        string    `json:"user_id"`
	State         State     `json:"state"`
	UserQuestion  string    `json:"user_question"`
	Domain        string    `json:"domain,omitempty"`
	ExpertUserID  string    `json:"expert_user_id,omitempty"`
	ExpertName    string    `json:"expert_name,omitempty"`
	ContactedAt   time.Time `json:"contacted_at"`
	ExpertReply   string    `json:"expert_reply,omitempty"`
}

// Patch carries the fields an Update call wants to change; zero-value
// fields are left untouched except where explicitly documented.
type Patch struct {
	State        *State
	UserQuestion *string
	Domain       *string
	ExpertUserID *string
	ExpertName   *string
	ExpertReply  *string
}

// TTL is the absolute timeout from ContactedAt (§3.3, §4.6).
const TTL = 24 * time.Hour

// TimedOut reports whether r's absolute timeout has elapsed.
func (r Record) TimedOut(now time.Time) bool {
	return r.State == StateWaitingExpert && !r.ContactedAt.IsZero() && now.Sub(r.ContactedAt) > TTL
}
