package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI is the firewall's view of the on-chain policy registry.
// The contract's internals are out of scope; only this interface is.
const registryABI = `[
	{"type":"function","name":"getPolicy","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"agent","type":"address"}],
	 "outputs":[{"name":"dailyLimit","type":"uint256"},{"name":"currentSpend","type":"uint256"},{"name":"lastReset","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"exists","type":"bool"}]},
	{"type":"function","name":"recordSpend","stateMutability":"nonpayable",
	 "inputs":[{"name":"user","type":"address"},{"name":"agent","type":"address"},{"name":"amount","type":"uint256"},{"name":"txHash","type":"bytes32"}],
	 "outputs":[]}
]`

// ErrPolicyRead wraps any failure to read the registry view. The gateway
// fails closed on it.
var ErrPolicyRead = errors.New("aegis: policy read failed")

// Policy mirrors one on-chain (user, agent) tuple. All integers are the
// raw 256-bit contract values; admission arithmetic uses these directly
// and never a narrowed view.
type Policy struct {
	DailyLimit   *big.Int
	CurrentSpend *big.Int
	LastReset    *big.Int
	Active       bool
	Exists       bool
}

// Caller is the subset of the Ethereum RPC used for view reads.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialCaller initialises an Ethereum RPC client for the provided endpoint.
func DialCaller(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("registry: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

type cacheEntry struct {
	policy  Policy
	fetched time.Time
}

// Client reads policy tuples from the registry contract, smoothing
// bursts with a short time-based cache.
type Client struct {
	caller   Caller
	contract common.Address
	abi      abi.ABI
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// ClientOption customises the registry client.
type ClientOption func(*Client)

// WithCacheTTL bounds how long a tuple may be served from cache.
// Invalidation is time-based only.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.ttl = ttl }
}

// WithClock sets the time source used for cache expiry.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) { c.now = clock }
}

// NewClient constructs a registry reader bound to the contract address.
func NewClient(caller Caller, contract common.Address, opts ...ClientOption) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("registry: caller required")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parse ABI: %w", err)
	}
	client := &Client{
		caller:   caller,
		contract: contract,
		abi:      parsed,
		ttl:      2 * time.Second,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Policy fetches the tuple for (user, agent), serving from cache within
// the TTL window.
func (c *Client) Policy(ctx context.Context, user, agent common.Address) (Policy, error) {
	key := strings.ToLower(user.Hex()) + "|" + strings.ToLower(agent.Hex())
	if c.ttl > 0 {
		c.mu.Lock()
		if entry, ok := c.cache[key]; ok && c.now().Sub(entry.fetched) < c.ttl {
			c.mu.Unlock()
			return entry.policy, nil
		}
		c.mu.Unlock()
	}

	data, err := c.abi.Pack("getPolicy", user, agent)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: pack call: %v", ErrPolicyRead, err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrPolicyRead, err)
	}
	policy, err := c.decodePolicy(out)
	if err != nil {
		return Policy{}, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[key] = cacheEntry{policy: policy, fetched: c.now()}
		c.mu.Unlock()
	}
	return policy, nil
}

func (c *Client) decodePolicy(out []byte) (Policy, error) {
	vals, err := c.abi.Unpack("getPolicy", out)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: unpack: %v", ErrPolicyRead, err)
	}
	if len(vals) != 5 {
		return Policy{}, fmt.Errorf("%w: unexpected return arity %d", ErrPolicyRead, len(vals))
	}
	dailyLimit, ok1 := vals[0].(*big.Int)
	currentSpend, ok2 := vals[1].(*big.Int)
	lastReset, ok3 := vals[2].(*big.Int)
	active, ok4 := vals[3].(bool)
	exists, ok5 := vals[4].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return Policy{}, fmt.Errorf("%w: unexpected return types", ErrPolicyRead)
	}
	return Policy{
		DailyLimit:   dailyLimit,
		CurrentSpend: currentSpend,
		LastReset:    lastReset,
		Active:       active,
		Exists:       exists,
	}, nil
}
