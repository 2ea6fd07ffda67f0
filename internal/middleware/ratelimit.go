package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"studybuddy/internal/apperr"
	"studybuddy/internal/observability"
)

const msgTooManyRequests = "Too many attempts. Please wait a moment and try again."

// idleLimiterTTL bounds how long an unused limiter stays in the pool.
const idleLimiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterPool hands out one token bucket per key.
type LimiterPool struct {
	mu     sync.Mutex
	m      map[string]*limiterEntry
	rps    rate.Limit
	burst  int
	now    func() time.Time
	lastGC time.Time
}

func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastGC) > idleLimiterTTL {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > idleLimiterTTL {
				delete(p.m, k)
			}
		}
		p.lastGC = now
	}

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// RateLimitMiddleware limits requests per authenticated user, or per client
// IP before authentication.
func RateLimitMiddleware(pool *LimiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + observability.IPFromRequest(c.Request)
		if userID := c.GetString(UserIDKey); userID != "" {
			key = "user:" + userID
		}

		if !pool.Allow(key) {
			err := apperr.New(apperr.CodeRateLimited, msgTooManyRequests)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": apperr.Message(err)})
			return
		}
		c.Next()
	}
}
