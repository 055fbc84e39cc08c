package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// WindowLimiter is a fixed-window rate limiter backed by a counter row in
// the shared store. A process-local limiter map is useless here: every
// invocation is a separate stateless process, so the only state all of
// them can see is the database. The increment is a single atomic upsert,
// the same conditional-statement pattern the job queues use for leases.
type WindowLimiter struct {
	pool   *pgxpool.Pool
	window time.Duration
	limit  int
	logger zerolog.Logger
}

func NewWindowLimiter(pool *pgxpool.Pool, window time.Duration, limit int, logger zerolog.Logger) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		pool:   pool,
		window: window,
		limit:  limit,
		logger: logger.With().Str("component", "rate_limit").Logger(),
	}
}

// Allow increments the counter for the bucket's current window and
// reports whether the request is within the limit.
func (l *WindowLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	windowStart := time.Now().UTC().Truncate(l.window)

	var count int
	err := l.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (bucket, window_start, request_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket, window_start) DO UPDATE
		SET request_count = rate_limit_windows.request_count + 1
		RETURNING request_count
	`, bucket, windowStart).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return count <= l.limit, nil
}

// Cleanup drops windows older than two window lengths. Called
// opportunistically by the sweeper; counters expire by falling out of the
// current window either way.
func (l *WindowLimiter) Cleanup(ctx context.Context) (int, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM rate_limit_windows WHERE window_start < $1
	`, time.Now().UTC().Add(-2*l.window))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up rate limit windows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RateLimitMiddleware applies the shared-store limiter per client IP. On
// limiter errors the request is allowed through: rate limiting protects
// capacity, it must not become an availability dependency.
func RateLimitMiddleware(limiter *WindowLimiter, bucketPrefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := bucketPrefix + ":" + c.ClientIP()
		ok, err := limiter.Allow(c.Request.Context(), bucket)
		if err != nil {
			limiter.logger.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
