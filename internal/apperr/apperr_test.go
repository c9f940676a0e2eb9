package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", New(KindValidation, "gateway.Route", "bad request"), http.StatusBadRequest},
		{"config", New(KindConfig, "config.Load", "missing field"), http.StatusInternalServerError},
		{"timeout", New(KindTimeout, "db.Query", "deadline exceeded"), http.StatusGatewayTimeout},
		{"connection", New(KindConnection, "db.Open", "refused"), http.StatusBadGateway},
		{"provider", New(KindProvider, "llm.Generate", "rate limited"), http.StatusBadGateway},
		{"duplicate", New(KindDuplicate, "notify.Dispatch", "already sent"), http.StatusOK},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindConnection, "op", "msg")))
	assert.True(t, IsRetryable(New(KindTimeout, "op", "msg")))
	assert.True(t, IsRetryable(New(KindProvider, "op", "msg")))
	assert.False(t, IsRetryable(New(KindValidation, "op", "msg")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(KindConnection, "db.Exec", "write failed", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestKindOf_PassesThroughWrappedErrors(t *testing.T) {
	inner := New(KindProvider, "llm.Generate", "quota exceeded")
	outer := Wrap(KindProvider, "llm.gateway", "provider call failed", inner)
	assert.Equal(t, KindProvider, KindOf(outer))
}
