// Package main is the entry point for the session router service: it
// wires the channel adapters, the Turn Orchestrator, and the read-only
// admin/MCP surfaces together and serves them until a shutdown signal
// arrives.
package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/router/internal/agentruntime"
	"github.com/kandev/router/internal/agentsession"
	"github.com/kandev/router/internal/adminapi"
	"github.com/kandev/router/internal/audit"
	"github.com/kandev/router/internal/channel"
	"github.com/kandev/router/internal/channel/web"
	"github.com/kandev/router/internal/channel/wework"
	"github.com/kandev/router/internal/common/config"
	"github.com/kandev/router/internal/common/httpmw"
	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/common/tracing"
	"github.com/kandev/router/internal/convstate"
	"github.com/kandev/router/internal/db"
	"github.com/kandev/router/internal/events"
	"github.com/kandev/router/internal/events/bus"
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/mcpserver"
	"github.com/kandev/router/internal/orchestrator"
	"github.com/kandev/router/internal/pool"
	"github.com/kandev/router/internal/redisstore"
	"github.com/kandev/router/internal/router"
	"github.com/kandev/router/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting session router service...")

	// 3. Configure tracing before the first Tracer() call.
	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
	}

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Connect to Redis (the primary session/conv-state/agent-session backend)
	rds, err := redisstore.New(ctx, redisstore.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeoutDuration(),
	})
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rds.Close()
	log.Info("Connected to Redis")

	// 6. Open the audit SQL mirror (sqlite by default, postgres in production)
	auditPool, err := db.OpenFromConfig(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open audit database", zap.Error(err))
	}
	defer auditPool.Close()
	sqlMirror := audit.NewSQLMirror(auditPool, auditPool.Writer().DriverName())
	if err := sqlMirror.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to prepare audit schema", zap.Error(err))
	}

	// 7. Connect the event bus: NATS when a URL is configured, the
	// in-process bus otherwise (single-instance/dev mode).
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-process event bus")
	}

	// 8. State stores
	sessions := session.New(rds, log)
	convStates := convstate.New(rds, log)
	agentSessions := agentsession.New(rds, log)

	// 9. Identity service: file-backed when a source path is configured,
	// otherwise an empty static table (every lookup falls back to
	// identity.Unknown).
	var identitySource identity.Source
	if cfg.Identity.SourcePath != "" {
		identitySource = identity.FileSource{Path: cfg.Identity.SourcePath}
	} else {
		identitySource = identity.StaticSource{}
	}
	identities := identity.New(ctx, identitySource, cfg.Identity.RefreshInterval(), log)
	go identities.RunPeriodicRefresh(ctx)

	// 10. Agent runtime: circuit breaker shared by the pooled turn clients
	// and the standalone routing-judge client.
	runtimeCfg := agentruntime.Config{
		BaseURL:        cfg.AgentRuntime.BaseURL,
		AuthToken:      cfg.AgentRuntime.AuthToken,
		RequestTimeout: int64(cfg.AgentRuntime.RequestTimeout),
		Transport:      cfg.AgentRuntime.Transport,
		Command:        cfg.AgentRuntime.Command,
		Args:           cfg.AgentRuntime.Args,
	}
	breaker := agentruntime.NewBreaker()
	rawFactory := agentruntime.NewFactory(runtimeCfg, breaker, log)

	agentPool := pool.New("agent-runtime", pool.Config{
		MaxConcurrency: cfg.Pool.MaxConcurrency,
		MaxWait:        cfg.Pool.MaxWaitDuration(),
	}, func(agentSessionID string) pool.Client {
		return rawFactory(agentSessionID)
	}, log)

	judgeClient := rawFactory("")
	sessionRouter := router.New(judgeClient, log)

	// 11. Audit logger (append-only journal, mirrored into SQL, with
	// low-confidence alerts published onto the event bus)
	auditLog, err := audit.New(cfg.Audit.JournalPath, sqlMirror, eventBus, log)
	if err != nil {
		log.Fatal("Failed to open audit journal", zap.Error(err))
	}
	defer auditLog.Close()

	// 11b. Conversation-state reminder sweep: every five minutes, surface
	// any expert-mediation conversation whose absolute 24h timeout has
	// elapsed, across every channel this instance serves.
	reminder := convstate.NewReminder(convStates, []string{"wework", "web"}, func(ctx context.Context, channel string, r convstate.Record) {
		log.Sugar().Warnw("convstate: expert mediation timed out", "channel", channel, "user_id", r.UserID, "expert_user_id", r.ExpertUserID)
		if eventBus != nil {
			evt := bus.NewEvent(events.ExpertMediationTimedOut, "session-router", map[string]interface{}{
				"channel": channel, "user_id": r.UserID, "expert_user_id": r.ExpertUserID,
			})
			if err := eventBus.Publish(ctx, events.ExpertMediationTimedOut, evt); err != nil {
				log.Sugar().Warnw("convstate: failed to publish timeout alert", "error", err)
			}
		}
	}, log)
	if err := reminder.Start(ctx, "*/5 * * * *"); err != nil {
		log.Fatal("Failed to start conversation-state reminder sweep", zap.Error(err))
	}
	defer reminder.Stop()

	// 12. Turn Orchestrator
	systemPrompts := map[session.Role]string{
		session.RoleUser:         "You are a helpful support agent assisting an end user.",
		session.RoleExpert:       "You are assisting a subject-matter expert reviewing user conversations.",
		session.RoleExpertAsUser: "You are a subject-matter expert posing as a user for testing.",
	}
	systemPromptFor := func(role session.Role) string {
		if p, ok := systemPrompts[role]; ok {
			return p
		}
		return systemPrompts[session.RoleUser]
	}
	orch := orchestrator.New(sessions, agentSessions, convStates, identities, agentPool, sessionRouter, auditLog, systemPromptFor, log).WithEventBus(eventBus)

	// 13. Channel Router, wired to the orchestrator's Handle as the turn handler
	chanRouter := channel.NewRouter(orch.Handle, log)
	orch.WithNotifier(chanRouter)

	weworkAgentID, _ := strconv.Atoi(cfg.Channels.WeWork.AgentID)
	weworkAdapter := wework.New(wework.Config{
		CorpID:         cfg.Channels.WeWork.CorpID,
		CorpSecret:     cfg.Channels.WeWork.CorpSecret,
		AgentID:        weworkAgentID,
		Token:          cfg.Channels.WeWork.Token,
		EncodingAESKey: cfg.Channels.WeWork.EncodingAESKey,
		APIBaseURL:     cfg.Channels.WeWork.APIBaseURL,
	})
	if err := chanRouter.Register(weworkAdapter, channel.ModeAuto); err != nil {
		log.Fatal("Failed to register WeWork adapter", zap.Error(err))
	}

	webHub := web.NewHub(log)
	go webHub.Run(ctx)
	webAdapter := web.New(web.Config{Enabled: cfg.Channels.Web.Enabled}, webHub, log)
	if err := chanRouter.Register(webAdapter, channel.ModeAuto); err != nil {
		log.Fatal("Failed to register web adapter", zap.Error(err))
	}
	webHub.OnInbound = func(m web.Message) {
		raw, _ := json.Marshal(m)
		msg, err := webAdapter.Parse(raw)
		if err != nil {
			log.Sugar().Warnw("web: parse inbound message failed", "error", err)
			return
		}
		go func() {
			if err := chanRouter.Route(ctx, msg); err != nil {
				log.Sugar().Errorw("web: turn handling failed", "error", err)
			}
		}()
	}

	// 14. Admin HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(httpmw.RequestLogger(log, "session-router"))
	if cfg.Tracing.Enabled {
		ginRouter.Use(httpmw.OtelTracing("session-router"))
	}

	adminapi.RegisterRoutes(ginRouter, adminapi.Config{TokenHash: cfg.Admin.TokenHash}, adminapi.Deps{
		Pool:        agentPool,
		Sessions:    sessions,
		ConvStates:  convStates,
		AgentSess:   agentSessions,
		Identities:  identities,
		AuditMirror: sqlMirror,
	}, log)

	registerWebhookRoutes(ginRouter, chanRouter, weworkAdapter, log)
	if cfg.Channels.Web.Enabled {
		registerWebSocketRoute(ginRouter, webAdapter)
	}

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Admin/webhook HTTP server listening", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. MCP admin surface
	mcpSrv := mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, sessions, sqlMirror, log)
	if err := mcpSrv.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session router service...")

	// 17. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := mcpSrv.Stop(shutdownCtx); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Session router service stopped")
}

// registerWebhookRoutes wires WeWork's GET URL-verification challenge and
// POST message callback onto the admin gin engine.
func registerWebhookRoutes(r *gin.Engine, chanRouter *channel.Router, adapter *wework.Adapter, log *logger.Logger) {
	grp := r.Group("/webhooks/wework")

	grp.GET("", func(c *gin.Context) {
		msgSignature := c.Query("msg_signature")
		timestamp := c.Query("timestamp")
		nonce := c.Query("nonce")
		echoStr := c.Query("echostr")

		plaintext, err := adapter.VerifyURL(msgSignature, timestamp, nonce, echoStr)
		if err != nil {
			log.Sugar().Warnw("wework: url verification failed", "error", err)
			c.String(http.StatusForbidden, "")
			return
		}
		c.String(http.StatusOK, plaintext)
	})

	grp.POST("", func(c *gin.Context) {
		msgSignature := c.Query("msg_signature")
		timestamp := c.Query("timestamp")
		nonce := c.Query("nonce")

		body, err := c.GetRawData()
		if err != nil {
			c.String(http.StatusBadRequest, "")
			return
		}

		msg, err := adapter.VerifyAndParseCallback(msgSignature, timestamp, nonce, body)
		if err != nil {
			log.Sugar().Warnw("wework: callback verification failed", "error", err)
			c.String(http.StatusForbidden, "")
			return
		}

		// Reply asynchronously: the platform expects an immediate ack and
		// the orchestrator's turn may take longer than its request timeout.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := chanRouter.Route(ctx, msg); err != nil {
				log.Sugar().Errorw("wework: turn handling failed", "error", err)
			}
		}()

		c.XML(http.StatusOK, xmlAck{})
	})
}

// xmlAck is WeCom's expected empty-string acknowledgement body.
type xmlAck struct {
	XMLName xml.Name `xml:"xml"`
}

func registerWebSocketRoute(r *gin.Engine, adapter *web.Adapter) {
	r.GET("/ws", func(c *gin.Context) {
		adapter.ServeWS(c.Request.Context(), c.Writer, c.Request)
	})
}
