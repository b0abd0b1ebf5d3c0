// Package orchestrator implements the Turn Orchestrator: the single
// entry point per inbound message, running the ten-step pipeline from
// identity lookup through session routing, agent streaming, metadata
// extraction, and the CAS-guarded summary update (spec §4.4).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kandev/router/internal/agentruntime"
	"github.com/kandev/router/internal/agentsession"
	"github.com/kandev/router/internal/audit"
	"github.com/kandev/router/internal/channel"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/convstate"
	"github.com/kandev/router/internal/events"
	"github.com/kandev/router/internal/events/bus"
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/pool"
	"github.com/kandev/router/internal/router"
	"github.com/kandev/router/internal/session"
)

// Identifier resolves a user's identity record; satisfied by
// *identity.Service.
type Identifier interface {
	Get(ctx context.Context, userID string) identity.Record
}

// SessionRouter decides which session an inbound message continues;
// satisfied by *router.Router.
type SessionRouter interface {
	Route(ctx context.Context, userID, newMessage string, ident identity.Record, candidates session.QueryResult) router.Decision
}

// Pool is the narrow surface the orchestrator needs from the
// Agent-Client Pool.
type Pool interface {
	Acquire(ctx context.Context, agentSessionID string) (*pool.Lease, error)
}

// SystemPromptResolver returns the role-aware system prompt fixed at
// process startup (spec §4.4 step 6).
type SystemPromptResolver func(role session.Role) string

// Notifier delivers content directly to a user on a channel, outside the
// normal request/response turn — satisfied by *channel.Router.
type Notifier interface {
	Notify(ctx context.Context, channelTag, userID, content string) error
}

// Orchestrator is the Turn Orchestrator.
type Orchestrator struct {
	sessions      *session.Store
	agentSessions *agentsession.Store
	convStates    *convstate.Store
	identities    Identifier
	pool          Pool
	router        SessionRouter
	auditLog      *audit.Logger
	log           *logger.Logger
	systemPrompt  SystemPromptResolver
	eventBus      bus.EventBus
	notifier      Notifier
}

func New(
	sessions *session.Store,
	agentSessions *agentsession.Store,
	convStates *convstate.Store,
	identities Identifier,
	p Pool,
	r SessionRouter,
	auditLog *audit.Logger,
	systemPrompt SystemPromptResolver,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:      sessions,
		agentSessions: agentSessions,
		convStates:    convStates,
		identities:    identities,
		pool:          p,
		router:        r,
		auditLog:      auditLog,
		systemPrompt:  systemPrompt,
		log:           log,
	}
}

// WithEventBus attaches an event bus the orchestrator publishes turn
// lifecycle notifications to; nil (the default) disables publishing.
func (o *Orchestrator) WithEventBus(b bus.EventBus) *Orchestrator {
	o.eventBus = b
	return o
}

// WithNotifier attaches the channel notifier used to deliver a completed
// expert-mediation answer back to the user who originally asked; nil (the
// default) disables that delivery, completing the mediation record but
// notifying no one.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

func (o *Orchestrator) publishTurnEvent(ctx context.Context, subject string, msg channel.InboundMessage, extra map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	fields := map[string]interface{}{
		"user_id": msg.User.UserID,
		"channel": msg.User.Channel,
	}
	for k, v := range extra {
		fields[k] = v
	}
	evt := bus.NewEvent(subject, "session-router", fields)
	if err := o.eventBus.Publish(ctx, subject, evt); err != nil {
		o.log.Sugar().Warnw("orchestrator: failed to publish turn event", "subject", subject, "error", err)
	}
}

// Handle runs the full per-turn pipeline and returns the text to deliver
// back to the originating channel adapter. It never returns an error for
// business-level failures — those become an apologetic user-facing string
// per §7's "user-visible text never carries stack traces" policy — only
// for cancellation/context errors that should abort delivery entirely.
func (o *Orchestrator) Handle(ctx context.Context, msg channel.InboundMessage) (string, error) {
	o.publishTurnEvent(ctx, events.TurnStarted, msg, nil)

	// Step 1: identify user.
	ident := o.identities.Get(ctx, msg.User.UserID)

	// Expert-mediation completion (spec §4.6: "find_pending_for_expert is
	// used by the orchestrator when an answer-shaped message arrives from a
	// known expert"). This is a side effect alongside the normal pipeline,
	// not a replacement for it — the expert's own WAITING_EXPERT session
	// still routes and responds normally below.
	if ident.IsExpert && isAnswerShaped(msg.Content) {
		if pending, err := o.convStates.FindPendingForExpert(ctx, msg.User.Channel, msg.User.UserID); err == nil {
			o.completeExpertMediation(ctx, msg, pending)
		}
	}

	// Step 2: resolve session.
	candidates, err := o.sessions.QueryByUser(ctx, msg.User.UserID, session.QueryOptions{MaxPerRole: session.DefaultMaxPerRole})
	if err != nil {
		o.log.Sugar().Errorw("orchestrator: query_by_user failed", "user_id", msg.User.UserID, "error", err)
		candidates = session.QueryResult{}
	}

	decision := router.Decision{SessionID: router.NewSession, Confidence: 1.0, Reasoning: "no history"}
	if len(candidates.AsUser) > 0 || len(candidates.AsExpert) > 0 {
		decision = o.router.Route(ctx, msg.User.UserID, msg.Content, ident, candidates)
	}
	if decision.AuditRequired() {
		o.logDecisionAudit(ctx, msg, decision)
	}

	// Step 3: materialise session.
	sess, err := o.materialiseSession(ctx, msg, ident, decision, candidates)
	if err != nil {
		o.log.Sugar().Errorw("orchestrator: failed to materialise session", "user_id", msg.User.UserID, "error", err)
		return "Please retry.", nil
	}

	// Step 4: resolve agent-session-id.
	agentSessionID := ""
	if mapping, err := o.agentSessions.Get(ctx, msg.User.UserID); err == nil {
		agentSessionID = mapping.AgentSessionID
	}

	// Step 5: borrow a pool client.
	lease, err := o.pool.Acquire(ctx, agentSessionID)
	if err != nil {
		o.log.Sugar().Warnw("orchestrator: pool acquire failed", "user_id", msg.User.UserID, "error", err)
		o.publishTurnEvent(ctx, events.TurnFailed, msg, map[string]interface{}{"reason": "pool_acquire"})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "Please retry.", nil
	}
	defer lease.Release(ctx)

	runtimeClient, ok := lease.Client.(turnStreamer)
	if !ok {
		o.publishTurnEvent(ctx, events.TurnFailed, msg, map[string]interface{}{"reason": "no_stream_support"})
		return "No response from the knowledge base.", nil
	}

	// Step 6: stream the turn.
	header := fmt.Sprintf("[%s | %s]\n", msg.User.UserID, ident.Name)
	req := agentruntime.TurnRequest{
		UserMessage:  header + msg.Content,
		SystemPrompt: o.systemPrompt(sess.Role),
	}
	text, result, err := consumeStream(ctx, runtimeClient, req)
	if err != nil || result == nil {
		o.log.Sugar().Warnw("orchestrator: agent stream produced no result", "user_id", msg.User.UserID, "error", err)
		o.publishTurnEvent(ctx, events.TurnFailed, msg, map[string]interface{}{"reason": "stream_error"})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "No response from the knowledge base.", nil
	}
	if result.IsError {
		o.publishTurnEvent(ctx, events.TurnFailed, msg, map[string]interface{}{"reason": "agent_error"})
		return firstNonEmpty(text, "The knowledge base returned an error."), nil
	}

	// Step 7: extract metadata.
	meta, cleaned, hasMeta := ExtractMetadata(text)

	// Step 8: append full-text history, then update the summary under CAS.
	now := time.Now().UTC()
	_ = o.sessions.AppendHistory(ctx, sess.SessionID, session.HistoryEntry{Role: session.SnapshotUser, Content: msg.Content, Timestamp: now})
	_ = o.sessions.AppendHistory(ctx, sess.SessionID, session.HistoryEntry{Role: session.SnapshotAgent, Content: cleaned, Timestamp: now})

	updated, err := o.updateSummary(ctx, sess, cleaned, meta, hasMeta)
	if err != nil {
		o.log.Sugar().Errorw("orchestrator: session summary update failed after retries", "session_id", sess.SessionID, "error", err)
		// The reply is still delivered; a storage hiccup must not swallow it.
	} else {
		sess = updated
	}

	if hasMeta && meta.ExpertRouted {
		o.beginExpertMediation(ctx, msg, sess, meta)
	}

	// Step 9: persist agent-session-id.
	if result.SessionID != "" && result.SessionID != agentSessionID {
		if err := o.agentSessions.PersistAgentSessionID(ctx, msg.User.UserID, sess.SessionID, result.SessionID); err != nil {
			o.log.Sugar().Warnw("orchestrator: failed to persist agent session id", "user_id", msg.User.UserID, "error", err)
		}
	}

	// Step 10: emit.
	o.publishTurnEvent(ctx, events.TurnCompleted, msg, map[string]interface{}{"session_id": sess.SessionID})
	return cleaned, nil
}

// turnStreamer is the narrow surface the orchestrator needs from a leased
// agent-runtime client.
type turnStreamer interface {
	StreamTurn(ctx context.Context, req agentruntime.TurnRequest) (<-chan agentruntime.StreamMessage, <-chan error)
}

func consumeStream(ctx context.Context, client turnStreamer, req agentruntime.TurnRequest) (string, *agentruntime.StreamMessage, error) {
	msgs, errCh := client.StreamTurn(ctx, req)
	var text string
	var result *agentruntime.StreamMessage
	for msg := range msgs {
		switch msg.Type {
		case agentruntime.KindAssistant:
			text += msg.TextBlocks()
		case agentruntime.KindResult:
			r := msg
			result = &r
		}
	}
	select {
	case err := <-errCh:
		if err != nil {
			return text, result, err
		}
	default:
	}
	return text, result, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (o *Orchestrator) materialiseSession(ctx context.Context, msg channel.InboundMessage, ident identity.Record, decision router.Decision, candidates session.QueryResult) (session.Session, error) {
	if !decision.IsNewSession() {
		return o.sessions.Get(ctx, decision.SessionID)
	}

	role := session.RoleUser
	if ident.IsExpert && decision.MatchedRole == router.MatchedExpert {
		role = session.RoleExpert
	} else if ident.IsExpert {
		role = session.RoleExpertAsUser
	}

	return o.sessions.Create(ctx, session.Session{
		SessionID: uuid.New().String(),
		UserID:    msg.User.UserID,
		Role:      role,
		Status:    session.StatusActive,
		Summary:   session.Summary{OriginalQuestion: msg.Content},
	})
}

func (o *Orchestrator) updateSummary(ctx context.Context, sess session.Session, replyText string, meta Metadata, hasMeta bool) (session.Session, error) {
	now := time.Now().UTC()
	return o.sessions.UpdateWithRetry(ctx, sess.SessionID, func(s *session.Session) {
		s.LastActiveAt = now
		s.MessageCount++
		agentSnap := session.MessageSnapshot{Content: session.TruncateForSnapshot(replyText), Timestamp: now, Role: session.SnapshotAgent}
		s.Summary.LatestExchange = &agentSnap

		if hasMeta {
			s.Summary.MergeKeyPoints(meta.KeyPoints...)
			switch {
			case meta.SessionStatus == TurnResolved:
				s.Status = session.StatusResolved
			case meta.ExpertRouted:
				s.Status = session.StatusWaitingExpert
			}
			if meta.Domain != "" {
				s.Domain = meta.Domain
			}
		}
	})
}

// beginExpertMediation records a ConversationContext (spec §3.3) for the
// asking user once the agent has routed their question to an expert,
// moving it to WAITING_FOR_EXPERT so the periodic reminder sweep
// (internal/convstate/reminder.go) can later surface a timeout.
func (o *Orchestrator) beginExpertMediation(ctx context.Context, msg channel.InboundMessage, sess session.Session, meta Metadata) {
	waiting := convstate.StateWaitingExpert
	question := meta.OriginalQuestion
	if question == "" {
		question = sess.Summary.OriginalQuestion
	}
	patch := convstate.Patch{State: &waiting, UserQuestion: &question}
	if meta.Domain != "" {
		patch.Domain = &meta.Domain
	}
	if meta.ExpertUserID != "" {
		patch.ExpertUserID = &meta.ExpertUserID
	}
	if meta.ExpertName != "" {
		patch.ExpertName = &meta.ExpertName
	}

	if _, err := o.convStates.Update(ctx, msg.User.Channel, sess.UserID, patch); err != nil {
		o.log.Sugar().Warnw("orchestrator: failed to record pending expert mediation", "session_id", sess.SessionID, "error", err)
	}
}

// completeExpertMediation closes out the ConversationContext found for an
// answering expert: marks it COMPLETED with the expert's reply, resolves
// the asking user's WAITING_EXPERT session, and forwards the answer back
// to them across their own channel.
func (o *Orchestrator) completeExpertMediation(ctx context.Context, msg channel.InboundMessage, pending convstate.Record) {
	reply := strings.TrimSpace(msg.Content)
	completed := convstate.StateCompleted
	if _, err := o.convStates.Update(ctx, msg.User.Channel, pending.UserID, convstate.Patch{State: &completed, ExpertReply: &reply}); err != nil {
		o.log.Sugar().Warnw("orchestrator: failed to complete expert mediation", "expert_user_id", msg.User.UserID, "error", err)
	}

	candidates, err := o.sessions.QueryByUser(ctx, pending.UserID, session.QueryOptions{MaxPerRole: session.DefaultMaxPerRole})
	if err != nil {
		o.log.Sugar().Warnw("orchestrator: failed to look up waiting session for expert reply", "user_id", pending.UserID, "error", err)
	} else {
		for _, s := range candidates.AsUser {
			if s.Status != session.StatusWaitingExpert {
				continue
			}
			now := time.Now().UTC()
			if _, err := o.sessions.UpdateWithRetry(ctx, s.SessionID, func(sess *session.Session) {
				sess.Status = session.StatusResolved
				snap := session.MessageSnapshot{Content: session.TruncateForSnapshot(reply), Timestamp: now, Role: session.SnapshotExpert}
				sess.Summary.LatestExchange = &snap
				sess.Summary.MergeKeyPoints("expert reply received")
			}); err != nil {
				o.log.Sugar().Warnw("orchestrator: failed to resolve session after expert reply", "session_id", s.SessionID, "error", err)
			}
			break
		}
	}

	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, msg.User.Channel, pending.UserID, reply); err != nil {
			o.log.Sugar().Warnw("orchestrator: failed to forward expert reply to asker", "user_id", pending.UserID, "error", err)
		}
	}
}

// isAnswerShaped implements spec §4.3's "answer-shaped message" heuristic:
// a real assertion or directive, as opposed to a short confirmation or
// sentiment token.
func isAnswerShaped(content string) bool {
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) < 10 {
		return false
	}
	switch strings.ToLower(trimmed) {
	case "ok", "okay", "thanks", "thank you", "got it", "sure", "yes", "no", "cool", "great":
		return false
	}
	return true
}

func (o *Orchestrator) logDecisionAudit(ctx context.Context, msg channel.InboundMessage, decision router.Decision) {
	if o.auditLog == nil {
		return
	}
	if err := o.auditLog.Append(ctx, audit.Record{
		EventType:      "routing_decision",
		UserID:         msg.User.UserID,
		MessagePreview: msg.Content,
		Decision:       decision.SessionID,
		Confidence:     decision.Confidence,
		Reasoning:      decision.Reasoning,
		MatchedRole:    string(decision.MatchedRole),
		AuditRequired:  true,
	}); err != nil {
		o.log.Sugar().Warnw("orchestrator: failed to write audit record", "error", err)
	}
}
