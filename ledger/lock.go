package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lock only when this instance still owns it,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is the create-if-absent distributed lock that keeps anchoring
// singleton across firewall instances. It is deliberately not a
// process-local mutex.
type Lock struct {
	client *redis.Client
	token  string
}

// NewLock constructs the anchor lock with a per-process random token.
func NewLock(client *redis.Client) (*Lock, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("ledger: lock token: %w", err)
	}
	return &Lock{client: client, token: hex.EncodeToString(buf)}, nil
}

// Acquire attempts to take the lock. It returns false without error
// when another holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, LockKey, l.token, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: acquire lock: %w", err)
	}
	return ok, nil
}

// Held reports whether any instance currently holds the lock.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, LockKey).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: check lock: %w", err)
	}
	return n > 0, nil
}

// Release frees the lock if this instance owns it. Releasing a lock
// that expired or belongs to another holder is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{LockKey}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("ledger: release lock: %w", err)
	}
	return nil
}
