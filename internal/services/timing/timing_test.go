package timing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpserve/dpserve/internal/config"
)

func TestDelayStall(t *testing.T) {
	s := NewShaper(config.TimeAttackConfig{Method: MethodStall, Magnitude: 1.0})

	assert.Equal(t, 800*time.Millisecond, s.Delay(200*time.Millisecond))
	assert.Equal(t, time.Duration(0), s.Delay(time.Second))
	assert.Equal(t, time.Duration(0), s.Delay(2*time.Second))
}

func TestDelayJitterRange(t *testing.T) {
	s := NewShaper(config.TimeAttackConfig{Method: MethodJitter, Magnitude: 0.5})

	for i := 0; i < 100; i++ {
		d := s.Delay(0)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 500*time.Millisecond)
	}
}

func TestDelayDisabled(t *testing.T) {
	s := NewShaper(config.TimeAttackConfig{Method: MethodStall, Magnitude: 0})
	assert.Equal(t, time.Duration(0), s.Delay(0))
}

func TestMiddlewareStallsFastResponses(t *testing.T) {
	s := NewShaper(config.TimeAttackConfig{Method: MethodStall, Magnitude: 0.1})

	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("done"))
	}))

	started := time.Now()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	elapsed := time.Since(started)

	// The whole response, body included, waits for the stall bound.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Test"))
	assert.Equal(t, "done", rec.Body.String())
}

func TestMiddlewareReleasesOnCancel(t *testing.T) {
	s := NewShaper(config.TimeAttackConfig{Method: MethodStall, Magnitude: 10})

	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()

	started := time.Now()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))

	require.Less(t, time.Since(started), 5*time.Second)
}
