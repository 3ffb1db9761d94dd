package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/pkg/clientip"
)

const (
	// RateLimitWindow is 120 seconds
	RateLimitWindow = 120 * time.Second
	// RateLimitMaxRequests is the maximum number of requests allowed in the window
	RateLimitMaxRequests = 60
	// RateLimitKeyPrefix is the Redis key prefix for rate limiting
	RateLimitKeyPrefix = "ratelimit:"
	// BlockedIPKeyPrefix is the Redis key prefix for blocked IPs
	BlockedIPKeyPrefix = "blocked_ip:"
	// BlockedIPDuration is how long an IP stays blocked
	BlockedIPDuration = time.Hour
)

// RedisRateLimiter is a fixed-window per-IP limiter shared by every instance.
// An IP that exceeds the window is blocked for BlockedIPDuration.
type RedisRateLimiter struct {
	client redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.Cmdable, logger *zap.Logger) *RedisRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRateLimiter{client: client, logger: logger, now: time.Now}
}

// Middleware enforces the limit. Redis failures let the request through.
func (l *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.client == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		ip := clientip.RealClientIP(r)

		blocked, err := l.IsBlocked(ctx, ip)
		if err == nil && blocked {
			w.Header().Set("Retry-After", strconv.Itoa(int(BlockedIPDuration.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "Your IP has been temporarily blocked due to excessive requests. Please try again later.")
			return
		}

		count, err := l.hit(ctx, ip)
		if err != nil {
			l.logger.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if count > RateLimitMaxRequests {
			if err := l.client.Set(ctx, BlockedIPKeyPrefix+ip, "1", BlockedIPDuration).Err(); err != nil {
				l.logger.Warn("Failed to block IP", zap.String("ip", ip), zap.Error(err))
			} else {
				l.logger.Warn("IP blocked for excessive requests", zap.String("ip", ip), zap.Int64("requests", count))
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(RateLimitWindow.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(fmt.Sprintf(`{"success":false,"message":"Rate limit exceeded. Your IP has been temporarily blocked. Please try again later.","retry_after":%d}`, int(RateLimitWindow.Seconds()))))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(RateLimitMaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(RateLimitMaxRequests-count, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(l.now().Add(RateLimitWindow).Unix(), 10))
		next.ServeHTTP(w, r)
	})
}

// hit counts one request in ip's current window. The expiry is only set when
// the window opens so steady traffic cannot keep extending it.
func (l *RedisRateLimiter) hit(ctx context.Context, ip string) (int64, error) {
	key := RateLimitKeyPrefix + ip
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, RateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Unblock removes an IP from the blocked list (admin function)
func (l *RedisRateLimiter) Unblock(ctx context.Context, ip string) error {
	return l.client.Del(ctx, BlockedIPKeyPrefix+ip).Err()
}

// IsBlocked checks if an IP is currently blocked
func (l *RedisRateLimiter) IsBlocked(ctx context.Context, ip string) (bool, error) {
	count, err := l.client.Exists(ctx, BlockedIPKeyPrefix+ip).Result()
	return count > 0, err
}

// BlockedIP is an address the limiter is currently refusing.
type BlockedIP struct {
	IP        string    `json:"ip_address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListBlocked scans the blocked keyspace. Keys that expire mid-scan are skipped.
func (l *RedisRateLimiter) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	var out []BlockedIP
	iter := l.client.Scan(ctx, 0, BlockedIPKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			continue
		}
		out = append(out, BlockedIP{
			IP:        strings.TrimPrefix(key, BlockedIPKeyPrefix),
			ExpiresAt: l.now().Add(ttl).UTC(),
		})
	}
	return out, iter.Err()
}
