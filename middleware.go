package gradius

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	identityKey = "identity"
	tokenKey    = "token"
	loggerKey   = "logger"

	requestIDHeader = "X-Request-ID"
)

// RequestLoggerMiddleware tags every request with an id and logs it once
// it has been served.
func RequestLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		requestLogger := logger.With(zap.String("request_id", requestID))
		c.Set(loggerKey, requestLogger)
		c.Next()

		requestLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func requestLogger(c *gin.Context) *zap.Logger {
	if value, ok := c.Get(loggerKey); ok {
		if logger, ok := value.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}

// AuthenticationRequiredMiddleware validates the bearer token and attaches
// the caller's identity to the request.
func AuthenticationRequiredMiddleware(authority *SessionAuthority) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, newError(KindUnauthenticated, "http.authenticate", errors.New("no token provided")))
			return
		}

		identity, err := authority.ValidateSession(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(identityKey, identity)
		c.Set(tokenKey, token)
		c.Next()
	}
}

// AdminRequiredMiddleware must run after AuthenticationRequiredMiddleware.
func AdminRequiredMiddleware(c *gin.Context) {
	if !currentIdentity(c).IsAdmin() {
		abortWithError(c, errorf(KindForbidden, "http.require_admin", "admin access required"))
		return
	}
	c.Next()
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func currentIdentity(c *gin.Context) Identity {
	value, ok := c.Get(identityKey)
	if !ok {
		return Identity{}
	}
	identity, _ := value.(Identity)
	return identity
}

type visitor struct {
	limiter  *rate.Limiter
	inFlight int
	lastSeen time.Time
}

// RateLimiter limits failed requests per client address. Requests that
// succeed do not consume the allowance. Requests still running count against
// it, so a burst of concurrent attempts cannot overshoot.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows burst failures per client, refilled evenly over window.
func NewRateLimiter(window time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: map[string]*visitor{},
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		idle:     window,
		now:      time.Now,
	}
}

// admit reserves a slot for key unless its allowance is used up.
func (r *RateLimiter) admit(key string) (*visitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > r.idle {
		for k, v := range r.visitors {
			if v.inFlight == 0 && now.Sub(v.lastSeen) > r.idle {
				delete(r.visitors, k)
			}
		}
		r.lastSweep = now
	}

	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	if v.limiter.TokensAt(now)-float64(v.inFlight) < 1 {
		return nil, false
	}
	v.inFlight++
	return v, true
}

// finish releases the slot, spending a token if the request failed.
func (r *RateLimiter) finish(v *visitor, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v.inFlight--
	if failed {
		v.limiter.AllowN(r.now(), 1)
	}
}

// Middleware rejects clients that have used up their allowance with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := r.admit(c.ClientIP())
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("too many attempts, please try again later"))
			return
		}
		defer func() {
			r.finish(v, c.Writer.Status() >= http.StatusBadRequest)
		}()

		c.Next()
	}
}
