// Package redis holds the coordination primitives the services share:
// leader election for the singleton loops and rate limiting for the API.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient dials Redis at addr with short timeouts. Both primitives in
// this package sit on hot paths, so a slow Redis should fail fast and
// let the callers fall back (the limiter fails open, the elector just
// skips a tick).
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}
