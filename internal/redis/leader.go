package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it,
// so a slow tick cannot steal leadership back after the TTL expired.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lease only when this instance owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Elector provides TTL-based leader election over a single Redis key.
// Exactly one instance holds the lease at a time; the scheduler and the
// janitor gate their loops on it so recurring work fires once and
// zombies are reclaimed once, no matter how many replicas run.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewElector creates an elector for the given lease key. instanceID must
// be unique per process (a UUID or hostname:pid works).
func NewElector(client *redis.Client, key, instanceID string, ttl time.Duration) *Elector {
	return &Elector{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew attempts SETNX and falls back to renewing an existing
// lease. It returns true when this instance is the leader after the call.
func (e *Elector) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election SetNX on %q: %w", e.key, err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(
		ctx, e.client,
		[]string{e.key},
		e.instanceID,
		e.ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal on %q: %w", e.key, err)
	}
	return result == 1, nil
}

// Release gives up the lease so another instance can take over without
// waiting out the TTL. Releasing a lease we do not hold is a no-op.
func (e *Elector) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.instanceID).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release on %q: %w", e.key, err)
	}
	return nil
}
