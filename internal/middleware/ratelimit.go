package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware keeps one token bucket per caller. Authenticated
// callers are keyed by user id so a chatty phone cannot starve others
// behind the same NAT; anonymous ones by client IP.
type RateLimitMiddleware struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware allows perSecond requests per caller with the
// given burst.
func NewRateLimitMiddleware(perSecond float64, burst int) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (m *RateLimitMiddleware) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = v
	}
	v.lastSeen = m.now()
	return v.limiter
}

// Sweep forgets callers idle for longer than idle.
func (m *RateLimitMiddleware) Sweep(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idle)
	removed := 0
	for key, v := range m.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
			removed++
		}
	}
	return removed
}

// RateLimit rejects requests over the caller's budget with 429.
func (m *RateLimitMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + getClientIP(r)
		if claims, ok := GetUserFromContext(r.Context()); ok {
			key = "user:" + claims.UserID
		}
		if !m.limiter(key).AllowN(m.now(), 1) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}
