// Package router implements the Session Router: given a new inbound
// message and a user's candidate sessions, decides whether it continues an
// existing session or starts a new one.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/kandev/router/internal/agentruntime"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/session"
)

// NewSession is the sentinel decision meaning "create a new session".
const NewSession = "NEW_SESSION"

// MatchedRole identifies which candidate list a decision came from.
type MatchedRole string

const (
	MatchedNone   MatchedRole = ""
	MatchedUser   MatchedRole = "user"
	MatchedExpert MatchedRole = "expert"
)

// Decision is the router's verdict for one inbound message.
type Decision struct {
	SessionID   string      `json:"decision"`
	Confidence  float64     `json:"confidence"`
	Reasoning   string      `json:"reasoning"`
	MatchedRole MatchedRole `json:"matched_role,omitempty"`
}

// AuditRequired mirrors §4.3's audit rule: any decision below 0.7.
func (d Decision) AuditRequired() bool { return d.Confidence < 0.7 }

// IsNewSession reports whether the decision is the NEW_SESSION sentinel.
func (d Decision) IsNewSession() bool { return d.SessionID == NewSession }

// candidateInput is the JSON shape sent to the agent runtime's
// routing-specific prompt.
type candidateInput struct {
	UserID   string           `json:"user_id"`
	Message  string           `json:"message"`
	Now      time.Time        `json:"now"`
	IsExpert bool             `json:"is_expert"`
	AsUser   []candidateEntry `json:"as_user"`
	AsExpert []candidateEntry `json:"as_expert"`
}

type candidateEntry struct {
	SessionID        string    `json:"session_id"`
	OriginalQuestion string    `json:"original_question"`
	Status           string    `json:"status"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

// AgentCaller is the narrow surface the router needs from the agent
// runtime to run one non-streaming routing judgement call.
type AgentCaller interface {
	RouteJudge(ctx context.Context, input []byte) (string, error)
}

// Router is the Session Router.
type Router struct {
	agent AgentCaller
	log   *logger.Logger
}

func New(agent AgentCaller, log *logger.Logger) *Router {
	return &Router{agent: agent, log: log}
}

var decisionObjectPattern = regexp.MustCompile(`\{[^{}]*"decision"[^{}]*\}`)

// Route implements §4.3's contract. candidates must already reflect the
// caller's max_per_role cap.
func (r *Router) Route(ctx context.Context, userID, newMessage string, ident identity.Record, candidates session.QueryResult) Decision {
	if len(candidates.AsUser) == 0 && len(candidates.AsExpert) == 0 {
		return Decision{SessionID: NewSession, Confidence: 1.0, Reasoning: "no history", MatchedRole: MatchedNone}
	}

	input := candidateInput{
		UserID:   userID,
		Message:  newMessage,
		Now:      time.Now().UTC(),
		IsExpert: ident.IsExpert,
		AsUser:   toEntries(candidates.AsUser),
		AsExpert: toEntries(candidates.AsExpert),
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return degraded(fmt.Sprintf("router error: marshal input: %v", err))
	}

	raw, err := r.agent.RouteJudge(ctx, payload)
	if err != nil {
		return degraded(fmt.Sprintf("router error: %v", err))
	}

	match := decisionObjectPattern.FindString(raw)
	if match == "" {
		return degraded("router error: no well-formed decision object in reply")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(match), &decision); err != nil {
		return degraded(fmt.Sprintf("router error: %v", err))
	}

	if decision.Confidence < 0.5 {
		decision.SessionID = NewSession
	}
	decision = applyExpertDomainFallback(decision, ident, candidates)
	if decision.AuditRequired() {
		r.log.Sugar().Infow("router: low-confidence decision", "user_id", userID, "decision", decision.SessionID, "confidence", decision.Confidence)
	}
	return decision
}

func degraded(reason string) Decision {
	return Decision{SessionID: NewSession, Confidence: 0.0, Reasoning: reason, MatchedRole: MatchedNone}
}

func toEntries(sessions []session.Session) []candidateEntry {
	out := make([]candidateEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, candidateEntry{
			SessionID:        s.SessionID,
			OriginalQuestion: s.Summary.OriginalQuestion,
			Status:           string(s.Status),
			LastActiveAt:     s.LastActiveAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out
}
