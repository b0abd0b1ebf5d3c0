// Package adminapi exposes a small gin HTTP surface for operators:
// a liveness probe and a stats endpoint summarising pool,
// session-store, and identity-service health. Every route other than
// /internal/healthz is guarded by a bcrypt-hashed operator token,
// grounded on the pack's user_service_crud.go password-hashing pattern
// (golang.org/x/crypto/bcrypt) rather than storing the token in
// plaintext config.
package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/kandev/router/internal/agentsession"
	"github.com/kandev/router/internal/audit"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/convstate"
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/pool"
	"github.com/kandev/router/internal/session"
)

// Config configures the admin surface.
type Config struct {
	// TokenHash is the bcrypt hash of the operator bearer token; a
	// request must present the matching plaintext in the Authorization
	// header as "Bearer <token>" to reach any route but /healthz.
	TokenHash string
}

// HashToken bcrypt-hashes a plaintext operator token for storage in
// config. Intended to be run once, offline, when provisioning a token.
func HashToken(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Deps bundles the component stats the /internal/stats route reports on
// and the audit mirror the review endpoint mutates.
type Deps struct {
	Pool        *pool.Pool
	Sessions    *session.Store
	ConvStates  *convstate.Store
	AgentSess   *agentsession.Store
	Identities  *identity.Service
	AuditMirror *audit.SQLMirror
}

// RegisterRoutes mounts the admin routes onto router under /internal.
func RegisterRoutes(router *gin.Engine, cfg Config, deps Deps, log *logger.Logger) {
	router.GET("/internal/healthz", handleHealthz())

	guarded := router.Group("/internal")
	guarded.Use(tokenAuthMiddleware(cfg.TokenHash, log))
	guarded.GET("/stats", handleStats(deps))
	if deps.AuditMirror != nil {
		guarded.POST("/audit/:id/reviewed", handleMarkReviewed(deps.AuditMirror, log))
	}
}

func handleHealthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	}
}

func tokenAuthMiddleware(tokenHash string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			log.Sugar().Warnw("adminapi: no operator token configured, rejecting admin request")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin surface not configured"})
			return
		}

		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		presented := header[len(prefix):]

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(presented)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func handleStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{}

		if deps.Pool != nil {
			resp["pool"] = deps.Pool.Stats()
		}
		if deps.Sessions != nil {
			resp["sessions_degraded"] = deps.Sessions.Degraded()
		}
		if deps.ConvStates != nil {
			resp["conv_state_degraded"] = deps.ConvStates.Degraded()
		}
		if deps.AgentSess != nil {
			resp["agent_session_degraded"] = deps.AgentSess.Degraded()
		}
		if deps.Identities != nil {
			count, loadedAt := deps.Identities.Count()
			resp["identity_records"] = count
			resp["identity_loaded_at"] = loadedAt
		}

		c.JSON(http.StatusOK, resp)
	}
}

func handleMarkReviewed(mirror *audit.SQLMirror, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := mirror.MarkReviewed(c.Request.Context(), id); err != nil {
			log.Sugar().Warnw("adminapi: mark reviewed failed", "id", id, "error", err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "reviewed": true})
	}
}
