package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLimitExceeded reports that admitting the amount would push the day
// bucket past the daily limit. Nothing is committed when it is returned.
var ErrLimitExceeded = errors.New("aegis: daily limit exceeded")

// ErrReserveRetries reports that the CAS loop exhausted its retry budget
// against concurrent writers.
var ErrReserveRetries = errors.New("aegis: reservation retries exhausted")

const defaultReserveRetries = 6

// ReservationStore maintains the off-chain spend ledger: one unsigned
// 256-bit counter per (user, agent, UTC day), mutated only through
// optimistic WATCH/MULTI transactions. It is the sole admission
// authority; the chain's currentSpend is audit-only.
type ReservationStore struct {
	client     *redis.Client
	maxRetries int
	now        func() time.Time
	onRetry    func()
}

// ReservationOption customises the store.
type ReservationOption func(*ReservationStore)

// WithClock sets the function used to derive the day bucket.
func WithClock(clock func() time.Time) ReservationOption {
	return func(s *ReservationStore) { s.now = clock }
}

// WithMaxRetries bounds the CAS loop.
func WithMaxRetries(n int) ReservationOption {
	return func(s *ReservationStore) { s.maxRetries = n }
}

// WithRetryHook registers a callback fired on every CAS conflict,
// typically a metrics counter.
func WithRetryHook(hook func()) ReservationOption {
	return func(s *ReservationStore) { s.onRetry = hook }
}

// NewReservationStore constructs a store over the shared Redis client.
func NewReservationStore(client *redis.Client, opts ...ReservationOption) *ReservationStore {
	store := &ReservationStore{
		client:     client,
		maxRetries: defaultReserveRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.maxRetries <= 0 {
		store.maxRetries = defaultReserveRetries
	}
	return store
}

// Reserve atomically adds amount to the current day bucket, failing with
// ErrLimitExceeded before committing anything that would exceed
// dailyLimit. Both amounts are raw wei; no narrowing ever happens here.
func (s *ReservationStore) Reserve(ctx context.Context, user, agent string, amount, dailyLimit *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: reserve amount must be positive")
	}
	if dailyLimit == nil || dailyLimit.Sign() < 0 {
		return fmt.Errorf("ledger: daily limit required")
	}
	key := SpendKey(user, agent, DayBucket(s.now()))
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readCounter(ctx, tx, key)
			if err != nil {
				return err
			}
			next := new(big.Int).Add(current, amount)
			if next.Cmp(dailyLimit) > 0 {
				return ErrLimitExceeded
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next.String(), reservationTTL)
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if s.onRetry != nil {
				s.onRetry()
			}
			continue
		case errors.Is(err, ErrLimitExceeded):
			return ErrLimitExceeded
		default:
			return fmt.Errorf("ledger: reserve: %w", err)
		}
	}
	return ErrReserveRetries
}

// Rollback atomically subtracts amount from the current day bucket,
// clamping at zero. The TTL is refreshed so a rolled-back key still
// expires on the same schedule as a reserved one.
func (s *ReservationStore) Rollback(ctx context.Context, user, agent string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: rollback amount must be non-negative")
	}
	key := SpendKey(user, agent, DayBucket(s.now()))
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readCounter(ctx, tx, key)
			if err != nil {
				return err
			}
			next := new(big.Int).Sub(current, amount)
			if next.Sign() < 0 {
				next.SetInt64(0)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next.String(), reservationTTL)
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if s.onRetry != nil {
				s.onRetry()
			}
			continue
		default:
			return fmt.Errorf("ledger: rollback: %w", err)
		}
	}
	return ErrReserveRetries
}

// Reserved reads the committed value for a pair on the given day.
// Missing keys read as zero.
func (s *ReservationStore) Reserved(ctx context.Context, user, agent, day string) (*big.Int, error) {
	raw, err := s.client.Get(ctx, SpendKey(user, agent, day)).Result()
	if errors.Is(err, redis.Nil) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read reservation: %w", err)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("ledger: corrupt reservation value %q", raw)
	}
	return value, nil
}

func readCounter(ctx context.Context, tx *redis.Tx, key string) (*big.Int, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("ledger: corrupt counter value %q", raw)
	}
	return value, nil
}
