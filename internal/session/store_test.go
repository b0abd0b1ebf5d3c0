package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/router/internal/common/logger"
)

func newTestStore() *Store {
	return New(nil, logger.Default())
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	sess, err := store.Create(ctx, Session{
		UserID: "emp001",
		Role:   RoleUser,
		Status: StatusActive,
		Summary: Summary{
			OriginalQuestion: "how to request sick leave",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Summary.Version)
	assert.True(t, sess.CreatedAt.Before(sess.ExpiresAt))

	got, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)
}

func TestGetAbsentReturnsNotFound(t *testing.T) {
	store := newTestStore()
	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Scenario E (partial): version monotonically increases and key_points
// merge with FIFO dedup/cap across three sequential turns.
func TestUpdateWithRetrySequentialTurns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	sess, err := store.Create(ctx, Session{
		UserID: "emp010",
		Role:   RoleUser,
		Status: StatusActive,
		Summary: Summary{OriginalQuestion: "how to request sick leave"},
	})
	require.NoError(t, err)

	updated, err := store.UpdateWithRetry(ctx, sess.SessionID, func(s *Session) {
		s.Summary.MergeKeyPoints("sick leave", "medical certificate")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Summary.Version)
	assert.Len(t, updated.Summary.KeyPoints, 2)

	updated, err = store.UpdateWithRetry(ctx, sess.SessionID, func(s *Session) {
		s.Summary.MergeKeyPoints("1 day in advance")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Summary.Version)
	assert.Len(t, updated.Summary.KeyPoints, 3)

	updated, err = store.UpdateWithRetry(ctx, sess.SessionID, func(s *Session) {
		s.Status = StatusResolved
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Summary.Version)
	assert.Equal(t, StatusResolved, updated.Status)
	assert.True(t, time.Until(updated.ExpiresAt) <= 24*time.Hour+time.Minute)
}

// Scenario F: 20 concurrent key-point appends on one session must all
// succeed with no lost updates; final version=20, key_points capped at 10.
func TestConcurrentUpdatesNoLostWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	sess, err := store.Create(ctx, Session{
		UserID:  "emp777",
		Role:    RoleUser,
		Status:  StatusActive,
		Summary: Summary{OriginalQuestion: "concurrent stress"},
	})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdateWithRetry(ctx, sess.SessionID, func(s *Session) {
				s.Summary.MergeKeyPoints(fmt.Sprintf("point-%d", i))
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		assert.NoError(t, e)
	}

	final, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), final.Summary.Version)
	assert.Len(t, final.Summary.KeyPoints, 10)
}

func TestQueryByUserSortedAndSplitByRole(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	mk := func(role Role) Session {
		s, err := store.Create(ctx, Session{
			UserID:  "emp001",
			Role:    role,
			Status:  StatusActive,
			Summary: Summary{OriginalQuestion: "q"},
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
		return s
	}
	mk(RoleUser)
	mk(RoleUser)
	mk(RoleUser)

	res, err := store.QueryByUser(ctx, "emp001", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Empty(t, res.AsExpert)
	require.Len(t, res.AsUser, 3)
	assert.True(t, res.AsUser[0].LastActiveAt.After(res.AsUser[1].LastActiveAt) || res.AsUser[0].LastActiveAt.Equal(res.AsUser[1].LastActiveAt))
}
