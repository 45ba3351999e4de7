package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"peercall/pkg/config"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleBucketTTL is how long a client's bucket survives without requests.
const idleBucketTTL = 5 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets hands out one token bucket per client address and forgets
// clients that went quiet, so a relay serving many short calls stays bounded.
type clientBuckets struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newClientBuckets(limit rate.Limit, burst int) *clientBuckets {
	return &clientBuckets{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (b *clientBuckets) allow(client string) bool {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) > idleBucketTTL {
		for key, bk := range b.buckets {
			if now.Sub(bk.lastSeen) > idleBucketTTL {
				delete(b.buckets, key)
			}
		}
		b.lastSweep = now
	}

	bk, ok := b.buckets[client]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[client] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

func (b *clientBuckets) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error": appErr.Message,
		"code":  string(appErr.Code),
	})
}

// NewHTTPRateLimitMiddleware limits signaling requests per client address
// and, when configured, caps how many are in flight at once. Clients are
// identified by gin's ClientIP, which honours X-Forwarded-For from trusted
// proxies.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	limits := cfg.RateLimiting.HTTP
	buckets := newClientBuckets(rate.Limit(limits.RequestsPerSecond), limits.Burst)
	// Seconds until the next token, never less than one.
	retryAfter := strconv.Itoa(int(math.Ceil(1 / limits.RequestsPerSecond)))

	var inFlight chan struct{}
	if limits.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !buckets.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			abortWith(c, errors.NewRateLimitError())
			return
		}
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}
		c.Next()
	}
}

// NewMessageLimiter builds the limiter for messages on one relay WebSocket.
// It returns nil when rate limiting is off.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	return rate.NewLimiter(rate.Limit(ws.MessagesPerSecond), ws.Burst)
}
