package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimit throttles by client IP and route with a fixed one-minute
// window. Counters live in Redis, not process memory, because the
// service runs as multiple parallel instances. Fails open when Redis is
// unavailable so billing never stalls on the limiter.
func RateLimit(redisClient *redis.Client, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if redisClient == nil || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s:%d",
				r.RemoteAddr, r.URL.Path, time.Now().Unix()/60)

			count, err := redisClient.Incr(r.Context(), key).Result()
			if err != nil {
				log.Printf("[RATELIMIT] Redis increment failed, failing open: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				redisClient.Expire(r.Context(), key, time.Minute)
			}

			if count > int64(perMinute) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
