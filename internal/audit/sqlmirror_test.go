package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/router/internal/db"
)

func newTestMirror(t *testing.T) *SQLMirror {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	mirror := NewSQLMirror(pool, "sqlite3")
	require.NoError(t, mirror.EnsureSchema(context.Background()))
	return mirror
}

func TestSQLMirrorInsertAndQueryUnreviewed(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.InsertAuditRecord(ctx, Record{
		Timestamp:      time.Now().UTC(),
		EventType:      "routing_decision",
		UserID:         "user-1",
		MessagePreview: "hello",
		Decision:       "NEW_SESSION",
		Confidence:     0.4,
		Reasoning:      "no history",
		MatchedRole:    "",
		AuditRequired:  true,
		Reviewed:       false,
	}))
	require.NoError(t, mirror.InsertAuditRecord(ctx, Record{
		Timestamp:      time.Now().UTC(),
		EventType:      "routing_decision",
		UserID:         "user-2",
		MessagePreview: "hi",
		Decision:       "sess-123",
		Confidence:     0.9,
		Reasoning:      "matched",
		AuditRequired:  false,
		Reviewed:       false,
	}))

	records, err := mirror.QueryUnreviewed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "user-1", records[0].UserID)
	require.NotZero(t, records[0].ID)
}

func TestSQLMirrorMarkReviewed(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.InsertAuditRecord(ctx, Record{
		Timestamp:      time.Now().UTC(),
		EventType:      "routing_decision",
		UserID:         "user-1",
		MessagePreview: "hello",
		Decision:       "NEW_SESSION",
		Confidence:     0.4,
		Reasoning:      "no history",
		AuditRequired:  true,
		Reviewed:       false,
	}))

	records, err := mirror.QueryUnreviewed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, mirror.MarkReviewed(ctx, records[0].ID))

	afterward, err := mirror.QueryUnreviewed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, afterward)
}

func TestSQLMirrorMarkReviewedMissingID(t *testing.T) {
	mirror := newTestMirror(t)
	err := mirror.MarkReviewed(context.Background(), 999)
	require.Error(t, err)
}
