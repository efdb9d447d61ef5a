package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	assert.NotNil(t, NewLogger("debug", "json"))
	assert.NotNil(t, NewLogger("info", "text"))

	// Unknown level falls back instead of failing.
	assert.NotNil(t, NewLogger("loud", "json"))
}

func TestContextWithRequestInfo(t *testing.T) {
	ctx := ContextWithRequestInfo(context.Background(), "req-1", "203.0.113.1", "user-1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "203.0.113.1", ctx.Value(AddressKey))
	assert.Equal(t, "user-1", ctx.Value(UserIDKey))
}

func TestContextWithRequestInfoAnonymous(t *testing.T) {
	ctx := ContextWithRequestInfo(context.Background(), "req-1", "203.0.113.1", "")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Nil(t, ctx.Value(UserIDKey))
}

func TestGetRequestIDMissing(t *testing.T) {
	assert.Equal(t, "", GetRequestID(context.Background()))
	assert.Equal(t, "", GetRequestID(nil))
}

func TestWithContextCarriesFields(t *testing.T) {
	base := NewLogger("error", "json")
	ctx := ContextWithRequestInfo(context.Background(), "req-1", "203.0.113.1", "user-1")

	scoped, ok := base.WithContext(ctx).(*StructuredLogger)
	require.True(t, ok)

	assert.Equal(t, "req-1", scoped.fields["request_id"])
	assert.Equal(t, "203.0.113.1", scoped.fields["address"])
	assert.Equal(t, "user-1", scoped.fields["user_id"])
}
