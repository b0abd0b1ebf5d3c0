package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/router/internal/agentruntime"
	"github.com/kandev/router/internal/agentsession"
	"github.com/kandev/router/internal/channel"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/convstate"
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/pool"
	"github.com/kandev/router/internal/router"
	"github.com/kandev/router/internal/session"
)

// stubIdentifier looks a userID up in a fixed table, falling back to an
// unknown, non-expert identity.
type stubIdentifier struct{ byUser map[string]identity.Record }

func (s stubIdentifier) Get(ctx context.Context, userID string) identity.Record {
	if rec, ok := s.byUser[userID]; ok {
		return rec
	}
	return identity.Unknown(userID)
}

// stubNotifier records every out-of-band delivery it's asked to make.
type stubNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	channel, userID, content string
}

func (n *stubNotifier) Notify(ctx context.Context, channelTag, userID, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{channelTag, userID, content})
	return nil
}

// stubRouter continues the user's first as-user candidate (NEW_SESSION when
// there is none); the end-to-end tests below exercise a single session per
// user, so routing is never asked to disambiguate.
type stubRouter struct{}

func (stubRouter) Route(ctx context.Context, userID, newMessage string, ident identity.Record, candidates session.QueryResult) router.Decision {
	if len(candidates.AsUser) == 0 && len(candidates.AsExpert) == 0 {
		return router.Decision{SessionID: router.NewSession, Confidence: 1.0}
	}
	return router.Decision{SessionID: candidates.AsUser[0].SessionID, Confidence: 0.95, MatchedRole: router.MatchedUser}
}

// scriptedClient replays one queued reply per StreamTurn call.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
}

func (c *scriptedClient) Connect(ctx context.Context) error    { return nil }
func (c *scriptedClient) Disconnect(ctx context.Context) error { return nil }

func (c *scriptedClient) StreamTurn(ctx context.Context, req agentruntime.TurnRequest) (<-chan agentruntime.StreamMessage, <-chan error) {
	out := make(chan agentruntime.StreamMessage, 2)
	errCh := make(chan error, 1)

	c.mu.Lock()
	var text string
	if len(c.replies) > 0 {
		text = c.replies[0]
		c.replies = c.replies[1:]
	}
	c.mu.Unlock()

	out <- agentruntime.StreamMessage{Type: agentruntime.KindAssistant, Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: text}}}
	out <- agentruntime.StreamMessage{Type: agentruntime.KindResult, SessionID: "agent-sess-1"}
	close(out)
	close(errCh)
	return out, errCh
}

func newTestOrchestrator(client *scriptedClient, idents map[string]identity.Record) (*Orchestrator, *session.Store, *convstate.Store) {
	store := session.New(nil, logger.Default())
	agentSessions := agentsession.New(nil, logger.Default())
	convStates := convstate.New(nil, logger.Default())
	p := pool.New("test", pool.Config{MaxConcurrency: 4}, func(agentSessionID string) pool.Client { return client }, logger.Default())
	return New(
		store,
		agentSessions,
		convStates,
		stubIdentifier{byUser: idents},
		p,
		stubRouter{},
		nil,
		func(role session.Role) string { return "system prompt for " + string(role) },
		logger.Default(),
	), store, convStates
}

func metadataBlock(keyPoints []string, status string) string {
	kp := ""
	for i, k := range keyPoints {
		if i > 0 {
			kp += ","
		}
		kp += fmt.Sprintf("%q", k)
	}
	return fmt.Sprintf("Here's the answer.\n```metadata\n{\"key_points\":[%s],\"answer_source\":\"FAQ\",\"session_status\":%q}\n```\n", kp, status)
}

func expertRoutedMetadataBlock(domain, expertUserID, expertName string) string {
	return fmt.Sprintf("I'll loop in a specialist.\n```metadata\n{\"key_points\":[],\"answer_source\":\"expert\",\"session_status\":\"active\",\"expert_routed\":true,\"expert_user_id\":%q,\"domain\":%q,\"expert_name\":%q}\n```\n", expertUserID, domain, expertName)
}

func inbound(userID, content string) channel.InboundMessage {
	return channel.InboundMessage{User: channel.User{UserID: userID}, Content: content, Kind: channel.KindText}
}

// Scenario E — full session lifecycle with metadata (spec §8 scenario E).
func TestScenarioE_FullLifecycleWithMetadata(t *testing.T) {
	client := &scriptedClient{replies: []string{
		metadataBlock([]string{"sick leave", "medical certificate"}, "active"),
		metadataBlock([]string{"1 day in advance"}, "active"),
		metadataBlock(nil, "resolved"),
	}}
	orc, store, _ := newTestOrchestrator(client, map[string]identity.Record{"emp010": {UserID: "emp010", Name: "emp010"}})
	ctx := context.Background()

	reply, err := orc.Handle(ctx, inbound("emp010", "how to request sick leave"))
	require.NoError(t, err)
	assert.NotContains(t, reply, "```metadata")

	candidates, err := store.QueryByUser(ctx, "emp010", session.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, candidates.AsUser, 1)
	sessID := candidates.AsUser[0].SessionID

	sess, err := store.Get(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Summary.Version)
	assert.Len(t, sess.Summary.KeyPoints, 2)
	assert.Equal(t, session.StatusActive, sess.Status)

	_, err = orc.Handle(ctx, inbound("emp010", "how many days in advance?"))
	require.NoError(t, err)
	sess, err = store.Get(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.Summary.Version)
	assert.Len(t, sess.Summary.KeyPoints, 3)

	_, err = orc.Handle(ctx, inbound("emp010", "thanks, clear!"))
	require.NoError(t, err)
	sess, err = store.Get(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.Summary.Version)
	assert.Equal(t, session.StatusResolved, sess.Status)
	assert.True(t, time.Until(sess.ExpiresAt) <= 24*time.Hour)
}

// Scenario F — concurrent summary stress (spec §8 scenario F).
func TestScenarioF_ConcurrentSummaryStress(t *testing.T) {
	store := session.New(nil, logger.Default())
	ctx := context.Background()
	sess, err := store.Create(ctx, session.Session{
		UserID: "emp020",
		Role:   session.RoleUser,
		Status: session.StatusActive,
		Summary: session.Summary{OriginalQuestion: "q"},
	})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdateWithRetry(ctx, sess.SessionID, func(s *session.Session) {
				s.Summary.MergeKeyPoints(fmt.Sprintf("point-%02d", i))
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), final.Summary.Version)
	assert.Len(t, final.Summary.KeyPoints, 10)
}

// Expert-mediation lifecycle (spec §3.3 / §4.6): expert_routed metadata
// opens a ConversationContext and parks the asker's session in
// WAITING_EXPERT; the expert's subsequent answer-shaped reply closes it
// out and forwards the answer back to the asker.
func TestExpertMediationBeginAndComplete(t *testing.T) {
	client := &scriptedClient{replies: []string{
		expertRoutedMetadataBlock("Benefits", "exp001", "Jordan"),
		metadataBlock(nil, "active"),
	}}
	orc, store, convStates := newTestOrchestrator(client, map[string]identity.Record{
		"emp030": {UserID: "emp030", Name: "emp030"},
		"exp001": {UserID: "exp001", Name: "Jordan", IsExpert: true, ExpertDomains: []string{"Benefits"}},
	})
	notifier := &stubNotifier{}
	orc.WithNotifier(notifier)
	ctx := context.Background()

	_, err := orc.Handle(ctx, inbound("emp030", "what's my leave balance for this quarter"))
	require.NoError(t, err)

	candidates, err := store.QueryByUser(ctx, "emp030", session.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, candidates.AsUser, 1)
	askerSessionID := candidates.AsUser[0].SessionID

	sess, err := store.Get(ctx, askerSessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaitingExpert, sess.Status)

	pending, err := convStates.Get(ctx, "", "emp030")
	require.NoError(t, err)
	assert.Equal(t, convstate.StateWaitingExpert, pending.State)
	assert.Equal(t, "exp001", pending.ExpertUserID)
	assert.Equal(t, "Benefits", pending.Domain)

	_, err = orc.Handle(ctx, inbound("exp001", "You have 12 days remaining this quarter, confirmed with payroll."))
	require.NoError(t, err)

	sess, err = store.Get(ctx, askerSessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusResolved, sess.Status)

	completed, err := convStates.Get(ctx, "", "emp030")
	require.NoError(t, err)
	assert.Equal(t, convstate.StateCompleted, completed.State)
	assert.Contains(t, completed.ExpertReply, "12 days remaining")

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "emp030", notifier.calls[0].userID)
	assert.Contains(t, notifier.calls[0].content, "12 days remaining")
}
