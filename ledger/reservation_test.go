package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) (*ReservationStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return NewReservationStore(client, WithClock(func() time.Time { return fixed })), client
}

const (
	testUser  = "0x1111111111111111111111111111111111111111"
	testAgent = "0x2222222222222222222222222222222222222222"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei literal " + s)
	}
	return v
}

func TestReserveCommitsAndReads(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	limit := wei("1000000000000000000")
	amount := wei("10000000000000000")
	if err := store.Reserve(ctx, testUser, testAgent, amount, limit); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, err := store.Reserved(ctx, testUser, testAgent, "2026-08-24")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if got.Cmp(amount) != 0 {
		t.Fatalf("ledger = %s, want %s", got, amount)
	}
}

func TestReserveExactRemainingQuotaAdmits(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	limit := big.NewInt(100)
	if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(60), limit); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(40), limit); err != nil {
		t.Fatalf("reserve up to exact limit: %v", err)
	}
}

func TestReserveOneWeiOverQuotaRejects(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	limit := big.NewInt(100)
	if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(100), limit); err != nil {
		t.Fatalf("fill quota: %v", err)
	}
	err := store.Reserve(ctx, testUser, testAgent, big.NewInt(1), limit)
	if err != ErrLimitExceeded {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
	got, err := store.Reserved(ctx, testUser, testAgent, "2026-08-24")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if got.Cmp(limit) != 0 {
		t.Fatalf("ledger changed on rejection: %s", got)
	}
}

func TestConcurrentReservesNeverExceedLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewReservationStore(client,
		WithClock(func() time.Time { return fixed }),
		WithMaxRetries(64),
	)
	ctx := context.Background()

	limit := big.NewInt(50)
	const callers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(10), limit); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	admitted := 0
	for range successes {
		admitted++
	}
	got, err := store.Reserved(ctx, testUser, testAgent, "2026-08-24")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(10), big.NewInt(int64(admitted)))
	if got.Cmp(want) != 0 {
		t.Fatalf("ledger = %s, want sum of successes %s", got, want)
	}
	if got.Cmp(limit) > 0 {
		t.Fatalf("ledger %s exceeds limit %s", got, limit)
	}
	if admitted > 5 {
		t.Fatalf("admitted = %d, limit permits at most 5", admitted)
	}
}

func TestRollbackRestoresPreReserveValue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	limit := wei("1000000000000000000")
	amount := wei("250000000000000000")
	if err := store.Reserve(ctx, testUser, testAgent, amount, limit); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Rollback(ctx, testUser, testAgent, amount); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, err := store.Reserved(ctx, testUser, testAgent, "2026-08-24")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("ledger = %s after matched rollback, want 0", got)
	}
}

func TestRollbackClampsAtZero(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Rollback(ctx, testUser, testAgent, big.NewInt(500)); err != nil {
		t.Fatalf("rollback empty ledger: %v", err)
	}
	if err := store.Rollback(ctx, testUser, testAgent, big.NewInt(500)); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	got, err := store.Reserved(ctx, testUser, testAgent, "2026-08-24")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if got.Sign() < 0 {
		t.Fatalf("ledger underflowed: %s", got)
	}
	if got.Sign() != 0 {
		t.Fatalf("ledger = %s, want 0", got)
	}
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(0), big.NewInt(10)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := store.Reserve(ctx, testUser, testAgent, big.NewInt(-5), big.NewInt(10)); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestDayBucketIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 23:30 UTC the previous day in local terms.
	local := time.Date(2026, 8, 25, 8, 30, 0, 0, loc)
	if got := DayBucket(local); got != "2026-08-24" {
		t.Fatalf("day bucket = %q, want 2026-08-24", got)
	}
}
