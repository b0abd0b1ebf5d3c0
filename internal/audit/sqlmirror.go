package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/router/internal/common/sqlite"
	"github.com/kandev/router/internal/db"
	"github.com/kandev/router/internal/db/dialect"
)

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z07:00", s)
}

// SQLMirror implements Mirror against the dialect-abstracted internal/db
// pool, giving operators a queryable copy of the audit journal without
// making SQL the source of truth for core session state.
type SQLMirror struct {
	pool   *db.Pool
	driver string
}

// NewSQLMirror builds a mirror over pool. driver selects dialect-specific
// SQL fragments ("sqlite3" or "pgx", matching the driverName passed to
// sqlx.NewDb in internal/db.OpenFromConfig); empty defaults to sqlite3.
func NewSQLMirror(pool *db.Pool, driver string) *SQLMirror {
	if driver == "" {
		driver = dialect.SQLite3
	}
	return &SQLMirror{pool: pool, driver: driver}
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              TIMESTAMP NOT NULL,
	event_type      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	message_preview TEXT NOT NULL,
	decision        TEXT NOT NULL,
	confidence      REAL NOT NULL,
	reasoning       TEXT NOT NULL,
	matched_role    TEXT NOT NULL,
	audit_required  BOOLEAN NOT NULL,
	reviewed        BOOLEAN NOT NULL DEFAULT 0,
	reviewed_at     TIMESTAMP
)`

// EnsureSchema creates the audit_log mirror table if it does not exist,
// then defensively migrates pre-existing SQLite databases (from before
// reviewed_at was added) with an idempotent ALTER TABLE.
func (m *SQLMirror) EnsureSchema(ctx context.Context) error {
	_, err := m.pool.Writer().ExecContext(ctx, createAuditTableSQL)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	if !dialect.IsPostgres(m.driver) {
		if err := sqlite.EnsureColumn(m.pool.Writer().DB, "audit_log", "reviewed_at", "TIMESTAMP"); err != nil {
			return fmt.Errorf("audit: migrate reviewed_at column: %w", err)
		}
	}
	return nil
}

const insertAuditSQL = `
INSERT INTO audit_log (ts, event_type, user_id, message_preview, decision, confidence, reasoning, matched_role, audit_required, reviewed)
VALUES (:ts, :event_type, :user_id, :message_preview, :decision, :confidence, :reasoning, :matched_role, :audit_required, :reviewed)`

type auditRow struct {
	ID             int64   `db:"id"`
	TS             string  `db:"ts"`
	EventType      string  `db:"event_type"`
	UserID         string  `db:"user_id"`
	MessagePreview string  `db:"message_preview"`
	Decision       string  `db:"decision"`
	Confidence     float64 `db:"confidence"`
	Reasoning      string  `db:"reasoning"`
	MatchedRole    string  `db:"matched_role"`
	AuditRequired  bool    `db:"audit_required"`
	Reviewed       bool    `db:"reviewed"`
}

func (m *SQLMirror) InsertAuditRecord(ctx context.Context, r Record) error {
	row := auditRow{
		TS:             r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		EventType:      r.EventType,
		UserID:         r.UserID,
		MessagePreview: r.MessagePreview,
		Decision:       r.Decision,
		Confidence:     r.Confidence,
		Reasoning:      r.Reasoning,
		MatchedRole:    r.MatchedRole,
		AuditRequired:  r.AuditRequired,
		Reviewed:       r.Reviewed,
	}
	_, err := sqlx.NamedExecContext(ctx, m.pool.Writer(), insertAuditSQL, row)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// QueryUnreviewed returns the N most recent unreviewed, audit-required
// records, for the MCP admin surface's audit-review tool.
func (m *SQLMirror) QueryUnreviewed(ctx context.Context, limit int) ([]Record, error) {
	reader := m.pool.Reader()
	query := reader.Rebind(fmt.Sprintf(
		"SELECT id, ts, event_type, user_id, message_preview, decision, confidence, reasoning, matched_role, audit_required, reviewed FROM audit_log WHERE audit_required = %d AND reviewed = %d ORDER BY ts DESC LIMIT ?",
		dialect.BoolToInt(true), dialect.BoolToInt(false),
	))
	rows, err := reader.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query unreviewed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var row auditRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		ts, _ := parseTimestamp(row.TS)
		out = append(out, Record{
			ID:             row.ID,
			Timestamp:      ts,
			EventType:      row.EventType,
			UserID:         row.UserID,
			MessagePreview: row.MessagePreview,
			Decision:       row.Decision,
			Confidence:     row.Confidence,
			Reasoning:      row.Reasoning,
			MatchedRole:    row.MatchedRole,
			AuditRequired:  row.AuditRequired,
			Reviewed:       row.Reviewed,
		})
	}
	return out, rows.Err()
}

// MarkReviewed flips an audit record's reviewed flag, used by the admin
// HTTP surface once an operator has acted on a flagged routing decision.
// Exposed only there, never over MCP, since the MCP admin surface is
// read-only by design.
func (m *SQLMirror) MarkReviewed(ctx context.Context, id int64) error {
	writer := m.pool.Writer()
	query := writer.Rebind(fmt.Sprintf(
		"UPDATE audit_log SET reviewed = %d, reviewed_at = %s WHERE id = ?",
		dialect.BoolToInt(true), dialect.Now(m.driver),
	))
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("audit: mark reviewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: mark reviewed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("audit: mark reviewed: no record with id %d", id)
	}
	return nil
}
