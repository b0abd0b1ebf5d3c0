package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/router/internal/audit"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/session"
)

func registerTools(s *server.MCPServer, sessions *session.Store, auditMirror *audit.SQLMirror, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("query_user_sessions",
			mcp.WithDescription("List a user's unexpired sessions (active, waiting-expert and resolved), split by role (as-user vs as-expert). Use this before get_session_history to find a session_id."),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("The user ID to look up"),
			),
			mcp.WithBoolean("include_expired",
				mcp.Description("Also include sessions whose status is EXPIRED (default false); sessions past their expiry time are never returned"),
			),
		),
		queryUserSessionsHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("get_session_history",
			mcp.WithDescription("Fetch the append-only turn history (user and agent text, newest first) for one session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to read history for"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of history entries to return (default 50)"),
			),
		),
		getSessionHistoryHandler(sessions, log),
	)

	count := 2
	if auditMirror != nil {
		s.AddTool(
			mcp.NewTool("list_unreviewed_audit_records",
				mcp.WithDescription("List the most recent low-confidence routing decisions that have not yet been marked reviewed."),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of records to return (default 20)"),
				),
			),
			listUnreviewedAuditHandler(auditMirror, log),
		)
		count = 3
	}

	log.Info("registered MCP tools", zap.Int("count", count))
}

func queryUserSessionsHandler(sessions *session.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		includeExpired := req.GetBool("include_expired", false)

		result, err := sessions.QueryByUser(ctx, userID, session.QueryOptions{
			IncludeExpired: includeExpired,
			MaxPerRole:     session.DefaultMaxPerRole,
		})
		if err != nil {
			log.Error("mcpserver: query_user_sessions failed", zap.String("user_id", userID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to query sessions: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getSessionHistoryHandler(sessions *session.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := int(req.GetFloat("limit", 50))
		if limit <= 0 {
			limit = 50
		}

		entries, err := sessions.ReadHistory(ctx, sessionID, limit)
		if err != nil {
			log.Error("mcpserver: get_session_history failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listUnreviewedAuditHandler(mirror *audit.SQLMirror, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := int(req.GetFloat("limit", 20))
		if limit <= 0 {
			limit = 20
		}

		records, err := mirror.QueryUnreviewed(ctx, limit)
		if err != nil {
			log.Error("mcpserver: list_unreviewed_audit_records failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to query audit log: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
