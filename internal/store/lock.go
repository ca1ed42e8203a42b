package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
// A blind DEL could release a lock that expired and was re-acquired by
// another holder, so ownership is checked and deleted in one atomic step.
//
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// AcquireLock attempts to take the lock named key for ttl. On success it
// returns an owner token that must be presented to ReleaseLock. It returns
// ("", nil) when the lock is held by someone else.
//
// Expiry is the only recovery path for a crashed holder; there is no
// blocking acquire.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	ok, err := s.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases the lock if token still owns it. Returns false when
// the lock was not held by token (already expired or re-acquired).
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{"lock:" + key}, token).Result()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
