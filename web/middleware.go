package web

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	limiterIdle   = 10 * time.Minute
	accountCtxKey = "account"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client IP.
type RateLimiter struct {
	limiters map[string]*ipLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    b,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, exists := rl.limiters[ip]
	if !exists {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = rl.now()
	return l.limiter
}

// sweep forgets limiters of IPs idle for longer than idle.
func (rl *RateLimiter) sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for ip, l := range rl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

// StartSweeper drops idle limiters every few minutes until ctx is done.
func (rl *RateLimiter) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.sweep(limiterIdle)
			}
		}
	}()
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// BasicAuthMiddleware lets a request through when its basic credentials match
// the account named by the :uid path parameter. The account is stored in the
// gin context.
func BasicAuthMiddleware(database *db.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Param("uid")
		user, password, ok := c.Request.BasicAuth()
		if !ok || user != uid {
			unauthorized(c)
			return
		}

		err, acc := database.ReadAccByUid(uid)
		if errors.Is(err, sql.ErrNoRows) {
			unauthorized(c)
			return
		}
		if err != nil {
			log.Printf("Auth: Failed to read account %s: %v", uid, err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if acc.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
			log.Printf("Auth: Bad password for %s from %s", uid, c.ClientIP())
			unauthorized(c)
			return
		}

		c.Set(accountCtxKey, acc)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="snacpub"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
}

func currentAccount(c *gin.Context) *domain.Account {
	v, _ := c.Get(accountCtxKey)
	acc, _ := v.(*domain.Account)
	return acc
}
