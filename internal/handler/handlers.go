package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"llm-tunnel/internal/domain"
	"llm-tunnel/internal/middleware"
	"llm-tunnel/internal/tunnel"
)

// roundtripTimeout bounds one proxied inference call end to end.
const roundtripTimeout = 5 * time.Minute

// Handlers wires the HTTP surface of the gateway.
type Handlers struct {
	users     domain.UserLimiter
	addresses domain.AddressLimiter
	hub       *tunnel.Hub
	settings  tunnel.Settings
	logger    domain.Logger
	startTime time.Time
	upgrader  websocket.Upgrader
}

// NewHandlers creates the handler set.
func NewHandlers(
	users domain.UserLimiter,
	addresses domain.AddressLimiter,
	hub *tunnel.Hub,
	settings tunnel.Settings,
	logger domain.Logger,
) *Handlers {
	return &Handlers{
		users:     users,
		addresses: addresses,
		hub:       hub,
		settings:  settings,
		logger:    logger,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary local networks; the bearer
			// token is the actual authentication.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetupRoutes registers every route on the router. admission guards the
// tunneled work; health, metrics and admin stay outside it.
func (h *Handlers) SetupRoutes(router *gin.Engine, admission gin.HandlerFunc) {
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)

	protected := router.Group("/")
	protected.Use(admission)
	{
		protected.POST("/v1/chat/completions", h.ChatCompletionsHandler)
		protected.GET("/tunnel", h.TunnelHandler)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/stats", h.AdminStatsHandler)
		admin.GET("/ddos", h.AdminDDoSHandler)
		admin.GET("/addresses/:address", h.AdminAddressStatusHandler)
		admin.POST("/addresses/:address/block", h.AdminBlockHandler)
		admin.POST("/addresses/:address/unblock", h.AdminUnblockHandler)
		admin.PUT("/users/:id/limit", h.AdminSetUserLimitHandler)
		admin.DELETE("/users/:id/limit", h.AdminClearUserLimitHandler)
	}
}

// HealthHandler reports liveness.
func (h *Handlers) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "LLM Tunnel Gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"agents":    h.hub.Count(),
	})
}

// MetricsHandler exposes runtime and limiter statistics.
func (h *Handlers) MetricsHandler(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	userStats := h.users.Stats()
	addressStats := h.addresses.Stats()

	c.JSON(http.StatusOK, gin.H{
		"service":   "LLM Tunnel Gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startTime).String(),
		"runtime": gin.H{
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": m.Alloc,
			"gc_runs":      m.NumGC,
		},
		"limiters": gin.H{
			"tracked_users":     userStats.TrackedUsers,
			"tier_distribution": userStats.TierDistribution,
			"tracked_addresses": addressStats.TrackedAddresses,
			"blocked_addresses": addressStats.BlockedAddresses,
			"recent_violations": addressStats.RecentViolations,
		},
		"tunnel": gin.H{
			"connected_agents": h.hub.Count(),
		},
		"ddos": addressStats.DDoS,
	})
}

// chatRequest is the subset of the inference request body the gateway
// inspects. Everything else passes through untouched.
type chatRequest struct {
	Stream bool `json:"stream"`
}

// ChatCompletionsHandler forwards an admitted inference call to the
// caller's connected agent over the tunnel.
func (h *Handlers) ChatCompletionsHandler(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "inference calls require a valid bearer token",
		})
		return
	}

	session, connected := h.hub.Get(identity.UserID)
	if !connected {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no agent connected",
			"message": "connect your local agent before sending inference calls",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad request",
			"message": "failed to read request body",
		})
		return
	}

	var req chatRequest
	// Malformed JSON still gets forwarded; the model server owns body
	// validation.
	_ = json.Unmarshal(body, &req)

	msg := &tunnel.Message{
		Type:   tunnel.TypeLLMRequest,
		ID:     uuid.New().String(),
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Headers: map[string]string{
			"Content-Type": c.ContentType(),
		},
		Body: string(body),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), roundtripTimeout)
	defer cancel()

	log := h.logger.WithContext(c.Request.Context())

	if req.Stream {
		h.streamCompletion(c, session, msg)
		return
	}

	resp, err := session.Roundtrip(ctx, msg)
	if err != nil {
		log.Error("Tunnel roundtrip failed", err, map[string]interface{}{
			"user_id":    identity.UserID,
			"session_id": session.ID,
		})
		writeTunnelError(c, err)
		return
	}

	contentType := resp.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.Status, contentType, []byte(resp.Body))
}

// streamCompletion forwards chunks to the client as the agent produces
// them.
func (h *Handlers) streamCompletion(c *gin.Context, session *tunnel.Session, msg *tunnel.Message) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	sink := func(chunk tunnel.Chunk) {
		if _, err := c.Writer.WriteString(chunk.Data); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), roundtripTimeout)
	defer cancel()

	if _, err := session.RoundtripStream(ctx, msg, sink); err != nil {
		// Headers are already out; the trailing error is all we can do.
		h.logger.WithContext(c.Request.Context()).Error("Stream failed mid-flight", err, map[string]interface{}{
			"session_id": session.ID,
		})
	}
}

// TunnelHandler upgrades an admitted agent connection to a websocket and
// registers the session.
func (h *Handlers) TunnelHandler(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "tunnel connections require a valid bearer token",
		})
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad request",
			"message": "tunnel endpoint requires a websocket upgrade",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		return
	}

	session := tunnel.NewSession(conn, *identity, h.settings, h.logger)
	h.hub.Register(session)
}

// AdminStatsHandler aggregates limiter and tunnel statistics.
func (h *Handlers) AdminStatsHandler(c *gin.Context) {
	userStats := h.users.Stats()
	addressStats := h.addresses.Stats()

	c.JSON(http.StatusOK, gin.H{
		"trackedUsers":     userStats.TrackedUsers,
		"trackedAddresses": addressStats.TrackedAddresses,
		"tierDistribution": userStats.TierDistribution,
		"blockedAddresses": addressStats.BlockedAddresses,
		"recentViolations": addressStats.RecentViolations,
		"connectedAgents":  h.hub.Count(),
		"ddos":             addressStats.DDoS,
	})
}

// AdminDDoSHandler returns the current detection verdict.
func (h *Handlers) AdminDDoSHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.addresses.Verdict())
}

// AdminAddressStatusHandler returns the enforcement state of one address.
func (h *Handlers) AdminAddressStatusHandler(c *gin.Context) {
	address := c.Param("address")
	status, tracked := h.addresses.Status(address)
	if !tracked {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not found",
			"message": "address is not tracked",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// AdminBlockHandler blocks an address. Idempotent.
func (h *Handlers) AdminBlockHandler(c *gin.Context) {
	address := c.Param("address")
	if err := h.addresses.Block(address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "failed to persist block",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "blocked": true})
}

// AdminUnblockHandler lifts a block. Idempotent.
func (h *Handlers) AdminUnblockHandler(c *gin.Context) {
	address := c.Param("address")
	if err := h.addresses.Unblock(address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "failed to persist unblock",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "blocked": false})
}

// AdminSetUserLimitHandler pins a custom configuration for a user.
func (h *Handlers) AdminSetUserLimitHandler(c *gin.Context) {
	userID := c.Param("id")

	var cfg domain.RateLimitConfig
	if err := c.ShouldBindJSON(&cfg); err != nil || cfg.RequestsPerMinute <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad request",
			"message": "body must carry a positive requestsPerMinute",
		})
		return
	}

	if err := h.users.SetCustomLimit(userID, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "failed to persist custom limit",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "limit": cfg})
}

// AdminClearUserLimitHandler removes a pinned configuration.
func (h *Handlers) AdminClearUserLimitHandler(c *gin.Context) {
	userID := c.Param("id")
	if err := h.users.ClearCustomLimit(userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "failed to clear custom limit",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "limit": nil})
}

// writeTunnelError maps tunnel failures onto gateway status codes.
func writeTunnelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrChannelClosed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "tunnel closed",
			"message": "the agent connection ended before the response arrived",
		})
	case errors.Is(err, domain.ErrStreamIncomplete):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "incomplete response",
			"message": "the agent stream ended without completing",
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "gateway timeout",
			"message": "the agent did not answer in time",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "upstream error",
			"message": err.Error(),
		})
	}
}
