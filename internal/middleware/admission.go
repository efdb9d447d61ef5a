package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"llm-tunnel/internal/domain"
	"llm-tunnel/internal/logger"
)

// Context keys set by the admission middleware for downstream handlers.
const (
	IdentityKey = "identity"
	AddressKey  = "client_address"
)

// AdmissionMiddleware is the single gate every inbound unit of work passes
// through: address limit first (cheap, stops anonymous flood), then user
// limit when identity is known. Consumption is committed on both
// dimensions only after the handler outcome is known.
type AdmissionMiddleware struct {
	users       domain.UserLimiter
	addresses   domain.AddressLimiter
	verifier    domain.IdentityVerifier
	logger      domain.Logger
	skipFailed  bool
}

// NewAdmissionMiddleware builds the gin middleware. skipFailed controls
// whether requests that ended in 5xx count against the caller's quota.
func NewAdmissionMiddleware(
	users domain.UserLimiter,
	addresses domain.AddressLimiter,
	verifier domain.IdentityVerifier,
	log domain.Logger,
	skipFailed bool,
) gin.HandlerFunc {
	m := &AdmissionMiddleware{
		users:      users,
		addresses:  addresses,
		verifier:   verifier,
		logger:     log,
		skipFailed: skipFailed,
	}
	return m.Handle
}

// Handle admits or refuses one request.
func (m *AdmissionMiddleware) Handle(c *gin.Context) {
	requestID := m.getRequestID(c)
	address := ExtractClientAddress(c)
	identity := m.resolveIdentity(c)

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, address, userID(identity))
	c.Request = c.Request.WithContext(ctx)
	log := m.logger.WithContext(ctx)

	c.Set(AddressKey, address)
	if identity != nil {
		c.Set(IdentityKey, identity)
	}

	// Address gate first: anonymous flood is rejected before any
	// identity-aware bookkeeping is paid for.
	addrResult := m.addresses.Check(address)
	setRateLimitHeaders(c, addrResult)
	if !addrResult.Allowed {
		m.addresses.LogViolation(address, userID(identity))
		log.Info("Request refused by address limiter", map[string]interface{}{
			"address":     address,
			"retry_after": addrResult.RetryAfter,
			"limit":       addrResult.Limit,
		})
		refuse(c, addrResult)
		return
	}

	var userResult *domain.RateLimitResult
	if identity != nil {
		userResult = m.users.Check(identity.UserID, address, identity.Tier)
		setRateLimitHeaders(c, userResult)
		if !userResult.Allowed {
			m.users.RecordViolation(identity.UserID, address, userResult.Limit, userResult.Limit)
			log.Info("Request refused by user limiter", map[string]interface{}{
				"user_id":     identity.UserID,
				"tier":        identity.Tier,
				"retry_after": userResult.RetryAfter,
				"limit":       userResult.Limit,
			})
			refuse(c, userResult)
			return
		}
	}

	c.Next()

	// Commit consumption only now, so the skip policy can inspect the
	// handler outcome.
	if m.skipFailed && c.Writer.Status() >= http.StatusInternalServerError {
		log.Debug("Skipping quota consumption for failed request", map[string]interface{}{
			"status": c.Writer.Status(),
		})
		return
	}
	m.addresses.Consume(address)
	if identity != nil {
		m.users.Consume(identity.UserID)
	}
}

// resolveIdentity verifies the bearer token if one is present. An invalid
// token demotes the caller to anonymous instead of failing the request;
// the address gate still applies.
func (m *AdmissionMiddleware) resolveIdentity(c *gin.Context) *domain.Identity {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return nil
	}

	identity, err := m.verifier.Verify(token)
	if err != nil {
		m.logger.Debug("Rejected bearer token, treating caller as anonymous", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return identity
}

func (m *AdmissionMiddleware) getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}
	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}

// refuse short-circuits with the structured 429 refusal.
func refuse(c *gin.Context, result *domain.RateLimitResult) {
	if result.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfter))
	}

	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":      "Too Many Requests",
		"message":    "rate limit exceeded, retry after the indicated delay",
		"retryAfter": result.RetryAfter,
		"resetAt":    result.ResetAt.UTC().Format(time.RFC3339),
		"limitType":  result.LimitType,
	})
	c.Abort()
}

func setRateLimitHeaders(c *gin.Context, result *domain.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// ExtractClientAddress resolves the client address behind proxies:
// X-Forwarded-For first entry, then X-Real-IP, then RemoteAddr.
func ExtractClientAddress(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			address := strings.TrimSpace(ips[0])
			if address != "" {
				return address
			}
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}

// IdentityFrom returns the verified identity stored by the middleware.
func IdentityFrom(c *gin.Context) *domain.Identity {
	value, exists := c.Get(IdentityKey)
	if !exists {
		return nil
	}
	identity, ok := value.(*domain.Identity)
	if !ok {
		return nil
	}
	return identity
}

func userID(identity *domain.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.UserID
}
