package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Record is one settled-but-unanchored transfer awaiting the anchor
// worker. TxHash may be empty when the upstream response carried no
// recognisable hash; such records are routed to the failed queue.
type Record struct {
	TxHash      string `json:"txHash,omitempty"`
	AmountWei   string `json:"amountWei"`
	TimestampMs int64  `json:"timestampMs"`
}

// QueueStore manages the per-pair pending and failed FIFOs plus the
// processed replay markers.
type QueueStore struct {
	client *redis.Client
}

// NewQueueStore constructs a queue store over the shared Redis client.
func NewQueueStore(client *redis.Client) *QueueStore {
	return &QueueStore{client: client}
}

// PushPending appends a record to the pair's pending queue.
func (q *QueueStore) PushPending(ctx context.Context, user, agent string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode pending record: %w", err)
	}
	if err := q.client.LPush(ctx, PendingKey(user, agent), payload).Err(); err != nil {
		return fmt.Errorf("ledger: push pending: %w", err)
	}
	return nil
}

// PopPending removes the oldest pending record for a pair. The raw
// payload is returned so a malformed record can still travel to the
// failed queue byte-identically.
func (q *QueueStore) PopPending(ctx context.Context, user, agent string) (string, bool, error) {
	raw, err := q.client.RPop(ctx, PendingKey(user, agent)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: pop pending: %w", err)
	}
	return raw, true, nil
}

// PushFailed places a raw record payload in the pair's failed queue for
// operator review.
func (q *QueueStore) PushFailed(ctx context.Context, user, agent, raw string) error {
	if err := q.client.LPush(ctx, FailedKey(user, agent), raw).Err(); err != nil {
		return fmt.Errorf("ledger: push failed: %w", err)
	}
	return nil
}

// RequeueFailed moves up to max records from the failed queue back to
// the pending queue. It returns the number of records moved.
func (q *QueueStore) RequeueFailed(ctx context.Context, user, agent string, max int) (int, error) {
	moved := 0
	for moved < max {
		err := q.client.RPopLPush(ctx, FailedKey(user, agent), PendingKey(user, agent)).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("ledger: requeue failed: %w", err)
		}
		moved++
	}
	return moved, nil
}

// MarkProcessed sets the replay-guard marker for an anchored hash.
func (q *QueueStore) MarkProcessed(ctx context.Context, user, agent, txHash string, timestampMs int64) error {
	key := ProcessedKey(user, agent, txHash)
	if err := q.client.Set(ctx, key, fmt.Sprintf("%d", timestampMs), processedTTL).Err(); err != nil {
		return fmt.Errorf("ledger: mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether the hash has already been anchored for
// this pair.
func (q *QueueStore) IsProcessed(ctx context.Context, user, agent, txHash string) (bool, error) {
	n, err := q.client.Exists(ctx, ProcessedKey(user, agent, txHash)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: check processed: %w", err)
	}
	return n > 0, nil
}

// PendingKeys scans for pending queue keys, skipping processed markers
// and anything that is not list-typed. The scan is cursor-paginated so
// large keyspaces never block the server.
func (q *QueueStore) PendingKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := q.client.Scan(ctx, cursor, "pending:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("ledger: scan pending: %w", err)
		}
		for _, key := range batch {
			if strings.Contains(key, ":processed:") {
				continue
			}
			keyType, err := q.client.Type(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("ledger: type %s: %w", key, err)
			}
			if keyType != "list" {
				continue
			}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// QueueDepth reports pending and failed lengths for one pair.
func (q *QueueStore) QueueDepth(ctx context.Context, user, agent string) (pending, failed int64, err error) {
	pending, err = q.client.LLen(ctx, PendingKey(user, agent)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: pending depth: %w", err)
	}
	failed, err = q.client.LLen(ctx, FailedKey(user, agent)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: failed depth: %w", err)
	}
	return pending, failed, nil
}

// Depths sums queue lengths across every pair with a pending queue and
// any pair with only failed records left behind.
func (q *QueueStore) Depths(ctx context.Context) (pending, failed int64, err error) {
	pendingKeys, err := q.PendingKeys(ctx)
	if err != nil {
		return 0, 0, err
	}
	seen := make(map[string]struct{}, len(pendingKeys))
	for _, key := range pendingKeys {
		user, agent, err := ParsePendingKey(key)
		if err != nil {
			continue
		}
		p, f, err := q.QueueDepth(ctx, user, agent)
		if err != nil {
			return 0, 0, err
		}
		pending += p
		failed += f
		seen[FailedKey(user, agent)] = struct{}{}
	}
	var cursor uint64
	for {
		batch, next, scanErr := q.client.Scan(ctx, cursor, "failed:*", 100).Result()
		if scanErr != nil {
			return 0, 0, fmt.Errorf("ledger: scan failed: %w", scanErr)
		}
		for _, key := range batch {
			if _, ok := seen[key]; ok {
				continue
			}
			n, lenErr := q.client.LLen(ctx, key).Result()
			if lenErr != nil {
				return 0, 0, fmt.Errorf("ledger: failed depth: %w", lenErr)
			}
			failed += n
		}
		cursor = next
		if cursor == 0 {
			return pending, failed, nil
		}
	}
}

// Ping verifies store reachability for readiness probes.
func (q *QueueStore) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
