package registry

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	calls int
	out   []byte
	err   error
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func packPolicy(t *testing.T, limit, spend, reset *big.Int, active, exists bool) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		t.Fatalf("parse ABI: %v", err)
	}
	out, err := parsed.Methods["getPolicy"].Outputs.Pack(limit, spend, reset, active, exists)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	return out
}

var (
	userAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	agentAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestPolicyDecodesContractReturn(t *testing.T) {
	limit, _ := new(big.Int).SetString("1000000000000000000", 10)
	caller := &fakeCaller{out: packPolicy(t, limit, big.NewInt(42), big.NewInt(1700000000), true, true)}
	client, err := NewClient(caller, common.HexToAddress("0xdead"), WithCacheTTL(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	policy, err := client.Policy(context.Background(), userAddr, agentAddr)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.DailyLimit.Cmp(limit) != 0 {
		t.Fatalf("daily limit = %s", policy.DailyLimit)
	}
	if policy.CurrentSpend.Int64() != 42 || policy.LastReset.Int64() != 1700000000 {
		t.Fatalf("spend/reset = %s/%s", policy.CurrentSpend, policy.LastReset)
	}
	if !policy.Active || !policy.Exists {
		t.Fatalf("flags = %+v", policy)
	}
}

func TestPolicyWrapsReadErrors(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection refused")}
	client, err := NewClient(caller, common.HexToAddress("0xdead"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Policy(context.Background(), userAddr, agentAddr)
	if !errors.Is(err, ErrPolicyRead) {
		t.Fatalf("err = %v, want ErrPolicyRead", err)
	}
}

func TestPolicyCacheServesWithinTTL(t *testing.T) {
	caller := &fakeCaller{out: packPolicy(t, big.NewInt(100), big.NewInt(0), big.NewInt(0), true, true)}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(caller, common.HexToAddress("0xdead"),
		WithCacheTTL(2*time.Second),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.Policy(ctx, userAddr, agentAddr); err != nil {
			t.Fatalf("policy %d: %v", i, err)
		}
	}
	if caller.calls != 1 {
		t.Fatalf("calls = %d, want 1 within TTL", caller.calls)
	}

	now = now.Add(3 * time.Second)
	if _, err := client.Policy(ctx, userAddr, agentAddr); err != nil {
		t.Fatalf("policy after expiry: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("calls = %d, want refetch after TTL", caller.calls)
	}
}

func TestPolicyCacheIsPerPair(t *testing.T) {
	caller := &fakeCaller{out: packPolicy(t, big.NewInt(100), big.NewInt(0), big.NewInt(0), true, true)}
	client, err := NewClient(caller, common.HexToAddress("0xdead"), WithCacheTTL(2*time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if _, err := client.Policy(ctx, userAddr, agentAddr); err != nil {
		t.Fatalf("first pair: %v", err)
	}
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	if _, err := client.Policy(ctx, userAddr, other); err != nil {
		t.Fatalf("second pair: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("calls = %d, want one per pair", caller.calls)
	}
}
