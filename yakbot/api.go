package yakbot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathHealth      = "/api/health"
	apiPathUsage       = "/api/usage"
	apiPathLeaderboard = "/api/karma/:guild_id"
	apiPathReactions   = "/api/reactions/:guild_id/:user_id"
	apiPathBank        = "/api/bank"
	apiPathReset       = "/api/reset"
)

type httpError struct {
	Error string `json:"error"`
}

// API is the operational HTTP server: a small, unauthenticated surface
// intended to be bound to localhost for the bot operator.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// APIHandlers holds the request handlers, bound to the running bot.
type APIHandlers struct {
	bot    *YakBot
	logger *slog.Logger
}

func newAPI(b *YakBot, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newLogger(config.LogLevel, "api"),
	}
	api.handlers = &APIHandlers{bot: b, logger: api.logger}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealth, api.handlers.healthCheck)
	r.GET(apiPathUsage, api.handlers.getUsage)
	r.GET(apiPathLeaderboard, api.handlers.getLeaderboard)
	r.GET(apiPathReactions, api.handlers.getReactionStats)
	r.POST(apiPathBank, api.handlers.grantBank)
	r.POST(apiPathReset, api.handlers.manualReset)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx, a.config.ListenNetwork, a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error creating listener: %w", err)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// requestIDMiddleware assigns each request a UUID, echoed in the
// response headers for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(xRequestIDHeader),
		)
	}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":    "ok",
			"connected": h.bot.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) getUsage(c *gin.Context) {
	accounts, err := h.bot.creditGate.Accounts(c.Request.Context())
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, httpError{Error: "bad limit"})
			return
		}
		limit = parsed
	}
	records, err := h.bot.ledger.Leaderboard(
		c.Request.Context(), c.Param("guild_id"), limit,
	)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *APIHandlers) getReactionStats(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")
	userID := c.Param("user_id")

	karma, err := h.bot.ledger.Karma(ctx, guildID, userID)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	upGiven, upReceived, err := h.bot.ledger.GivenReceived(
		ctx, guildID, userID, reactionUpvote,
	)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	downGiven, downReceived, err := h.bot.ledger.GivenReceived(
		ctx, guildID, userID, reactionDownvote,
	)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"karma":              karma,
			"upvotes_given":      upGiven,
			"upvotes_received":   upReceived,
			"downvotes_given":    downGiven,
			"downvotes_received": downReceived,
		},
	)
}

type grantBankRequest struct {
	UserID string  `json:"user_id" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
}

func (h *APIHandlers) grantBank(c *gin.Context) {
	var req grantBankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	account, err := h.bot.creditGate.AddBank(
		c.Request.Context(), req.UserID, req.Amount,
	)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *APIHandlers) manualReset(c *gin.Context) {
	if err := h.bot.creditGate.ResetAllowances(
		c.Request.Context(),
	); err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
