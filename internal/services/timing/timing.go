// Package timing shapes response latency so that execution time cannot be
// used as a side channel on the private data. Responses are either padded
// with uniform random jitter or stalled to a fixed minimum wall time.
package timing

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/dpserve/dpserve/internal/config"
)

const (
	MethodJitter = "jitter"
	MethodStall  = "stall"
)

type Shaper struct {
	method    string
	magnitude time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewShaper(cfg config.TimeAttackConfig) *Shaper {
	return &Shaper{
		method:    cfg.Method,
		magnitude: time.Duration(cfg.Magnitude * float64(time.Second)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns how long a response that took elapsed must still wait.
func (s *Shaper) Delay(elapsed time.Duration) time.Duration {
	if s.magnitude <= 0 {
		return 0
	}
	switch s.method {
	case MethodStall:
		if elapsed >= s.magnitude {
			return 0
		}
		return s.magnitude - elapsed
	case MethodJitter:
		s.mu.Lock()
		defer s.mu.Unlock()
		return time.Duration(s.rng.Float64() * float64(s.magnitude))
	default:
		return 0
	}
}

// Middleware holds every response until the shaped release time.
func (s *Shaper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if d := s.Delay(time.Since(started)); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
			}
		}
		rec.flushTo(w)
	})
}

// bufferedResponse buffers the downstream response so the delay covers the
// body too, not only the status line.
type bufferedResponse struct {
	header http.Header
	status int
	body   []byte
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for k, values := range b.header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body)
}
