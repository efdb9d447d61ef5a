package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"llm-tunnel/internal/domain"
	"llm-tunnel/internal/logger"
)

type MockUserLimiter struct {
	mock.Mock
}

func (m *MockUserLimiter) Check(userID, address string, tier domain.Tier) *domain.RateLimitResult {
	args := m.Called(userID, address, tier)
	return args.Get(0).(*domain.RateLimitResult)
}

func (m *MockUserLimiter) Consume(userID string) {
	m.Called(userID)
}

func (m *MockUserLimiter) RecordViolation(userID, address string, requestCount, limit int) {
	m.Called(userID, address, requestCount, limit)
}

func (m *MockUserLimiter) SetCustomLimit(userID string, cfg domain.RateLimitConfig) error {
	args := m.Called(userID, cfg)
	return args.Error(0)
}

func (m *MockUserLimiter) ClearCustomLimit(userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockUserLimiter) IsAbusive(userID string, threshold int, window time.Duration) bool {
	args := m.Called(userID, threshold, window)
	return args.Bool(0)
}

func (m *MockUserLimiter) Stats() domain.Stats {
	args := m.Called()
	return args.Get(0).(domain.Stats)
}

func (m *MockUserLimiter) Stop() {
	m.Called()
}

type MockAddressLimiter struct {
	mock.Mock
}

func (m *MockAddressLimiter) Check(address string) *domain.RateLimitResult {
	args := m.Called(address)
	return args.Get(0).(*domain.RateLimitResult)
}

func (m *MockAddressLimiter) Consume(address string) {
	m.Called(address)
}

func (m *MockAddressLimiter) LogViolation(address, userID string) {
	m.Called(address, userID)
}

func (m *MockAddressLimiter) Block(address string) error {
	args := m.Called(address)
	return args.Error(0)
}

func (m *MockAddressLimiter) Unblock(address string) error {
	args := m.Called(address)
	return args.Error(0)
}

func (m *MockAddressLimiter) Status(address string) (*domain.AddressStatus, bool) {
	args := m.Called(address)
	status, _ := args.Get(0).(*domain.AddressStatus)
	return status, args.Bool(1)
}

func (m *MockAddressLimiter) Verdict() domain.DDoSVerdict {
	args := m.Called()
	return args.Get(0).(domain.DDoSVerdict)
}

func (m *MockAddressLimiter) Stats() domain.Stats {
	args := m.Called()
	return args.Get(0).(domain.Stats)
}

func (m *MockAddressLimiter) Stop() {
	m.Called()
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(token string) (*domain.Identity, error) {
	args := m.Called(token)
	identity, _ := args.Get(0).(*domain.Identity)
	return identity, args.Error(1)
}

func allowedResult(limitType domain.LimitType, limit, remaining int) *domain.RateLimitResult {
	return &domain.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(30 * time.Second),
		LimitType: limitType,
	}
}

func deniedResult(limitType domain.LimitType, limit, retryAfter int) *domain.RateLimitResult {
	return &domain.RateLimitResult{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    time.Now().Add(time.Duration(retryAfter) * time.Second),
		RetryAfter: retryAfter,
		LimitType:  limitType,
	}
}

type admissionFixture struct {
	users     *MockUserLimiter
	addresses *MockAddressLimiter
	verifier  *MockVerifier
	router    *gin.Engine
}

func newAdmissionFixture(t *testing.T, skipFailed bool, handler gin.HandlerFunc) *admissionFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &admissionFixture{
		users:     new(MockUserLimiter),
		addresses: new(MockAddressLimiter),
		verifier:  new(MockVerifier),
	}

	if handler == nil {
		handler = func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}

	f.router = gin.New()
	f.router.Use(NewAdmissionMiddleware(f.users, f.addresses, f.verifier, logger.NewLogger("error", "json"), skipFailed))
	f.router.GET("/work", handler)
	return f
}

func (f *admissionFixture) do(headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/work", nil)
	req.RemoteAddr = "203.0.113.1:51000"
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAdmissionAnonymousAllowed(t *testing.T) {
	f := newAdmissionFixture(t, false, nil)

	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 99))
	f.addresses.On("Consume", "203.0.113.1").Return()

	w := f.do(nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	f.addresses.AssertExpectations(t)
	// No identity, so the user limiter is never consulted.
	f.users.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmissionAddressGateComesFirst(t *testing.T) {
	f := newAdmissionFixture(t, false, nil)

	f.verifier.On("Verify", "token-1").Return(&domain.Identity{UserID: "user-1", Tier: domain.TierFree}, nil)
	f.addresses.On("Check", "203.0.113.1").Return(deniedResult(domain.AddressLimit, 100, 42))
	f.addresses.On("LogViolation", "203.0.113.1", "user-1").Return()

	w := f.do(map[string]string{"Authorization": "Bearer token-1"})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.Equal(t, float64(42), body["retryAfter"])
	assert.Equal(t, "ip", body["limitType"])
	assert.NotEmpty(t, body["resetAt"])

	// A denied address never reaches the user limiter and consumes
	// nothing.
	f.users.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
	f.addresses.AssertNotCalled(t, "Consume", mock.Anything)
	f.addresses.AssertNumberOfCalls(t, "LogViolation", 1)
}

func TestAdmissionUserDenied(t *testing.T) {
	f := newAdmissionFixture(t, false, nil)

	f.verifier.On("Verify", "token-1").Return(&domain.Identity{UserID: "user-1", Tier: domain.TierFree}, nil)
	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 99))
	f.users.On("Check", "user-1", "203.0.113.1", domain.TierFree).Return(deniedResult(domain.UserLimit, 60, 7))
	f.users.On("RecordViolation", "user-1", "203.0.113.1", 60, 60).Return()

	w := f.do(map[string]string{"Authorization": "Bearer token-1"})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "user", body["limitType"])

	// Denied: neither dimension is consumed, the violation is logged once.
	f.addresses.AssertNotCalled(t, "Consume", mock.Anything)
	f.users.AssertNotCalled(t, "Consume", mock.Anything)
	f.users.AssertNumberOfCalls(t, "RecordViolation", 1)
}

func TestAdmissionConsumesBothAfterHandler(t *testing.T) {
	f := newAdmissionFixture(t, false, nil)

	f.verifier.On("Verify", "token-1").Return(&domain.Identity{UserID: "user-1", Tier: domain.TierPremium}, nil)
	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 50))
	f.users.On("Check", "user-1", "203.0.113.1", domain.TierPremium).Return(allowedResult(domain.UserLimit, 300, 200))
	f.addresses.On("Consume", "203.0.113.1").Return()
	f.users.On("Consume", "user-1").Return()

	w := f.do(map[string]string{"Authorization": "Bearer token-1"})

	assert.Equal(t, http.StatusOK, w.Code)
	f.addresses.AssertNumberOfCalls(t, "Consume", 1)
	f.users.AssertNumberOfCalls(t, "Consume", 1)
}

func TestAdmissionSkipFailedRequests(t *testing.T) {
	failing := func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream gone"})
	}
	f := newAdmissionFixture(t, true, failing)

	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 99))

	w := f.do(nil)

	// A 5xx outcome with the skip policy enabled costs the caller nothing.
	assert.Equal(t, http.StatusBadGateway, w.Code)
	f.addresses.AssertNotCalled(t, "Consume", mock.Anything)
}

func TestAdmissionInvalidTokenTreatedAsAnonymous(t *testing.T) {
	f := newAdmissionFixture(t, false, nil)

	f.verifier.On("Verify", "bad-token").Return(nil, errors.New("invalid token"))
	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 99))
	f.addresses.On("Consume", "203.0.113.1").Return()

	w := f.do(map[string]string{"Authorization": "Bearer bad-token"})

	// The request proceeds under the address quota alone.
	assert.Equal(t, http.StatusOK, w.Code)
	f.users.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmissionPropagatesRequestID(t *testing.T) {
	var seen string
	handler := func(c *gin.Context) {
		seen = logger.GetRequestID(c.Request.Context())
		c.Status(http.StatusOK)
	}
	f := newAdmissionFixture(t, false, handler)

	f.addresses.On("Check", "203.0.113.1").Return(allowedResult(domain.AddressLimit, 100, 99))
	f.addresses.On("Consume", "203.0.113.1").Return()

	f.do(map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", seen)

	w := f.do(nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestExtractClientAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.1:51000",
			expected:   "203.0.113.1",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7"},
			expected:   "198.51.100.7",
		},
		{
			name:       "x-forwarded-for chain takes first",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2, 10.0.0.3"},
			expected:   "198.51.100.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": " 198.51.100.9 "},
			expected:   "198.51.100.9",
		},
		{
			name:       "forwarded-for beats real-ip",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "198.51.100.7",
				"X-Real-IP":       "198.51.100.9",
			},
			expected: "198.51.100.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.1",
			expected:   "203.0.113.1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = tc.remoteAddr
			for key, value := range tc.headers {
				c.Request.Header.Set(key, value)
			}
			assert.Equal(t, tc.expected, ExtractClientAddress(c))
		})
	}
}

func TestIdentityFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, IdentityFrom(c))

	identity := &domain.Identity{UserID: "user-1", Tier: domain.TierFree}
	c.Set(IdentityKey, identity)
	assert.Equal(t, identity, IdentityFrom(c))
}
