package firewall

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	headerUser  = "x-aegis-user"
	headerAgent = "x-aegis-agent"
)

// Identity is the resolved (user, agent) pair every admission decision
// keys on. Addresses are normalised to lowercase hex.
type Identity struct {
	User  string
	Agent string
}

// UserAddress returns the user as a checksummable address value.
func (id Identity) UserAddress() common.Address {
	return common.HexToAddress(id.User)
}

// AgentAddress returns the agent as a checksummable address value.
func (id Identity) AgentAddress() common.Address {
	return common.HexToAddress(id.Agent)
}

// Resolver derives the identity for a request. Precedence per field:
// explicit header, then the transaction sender (for the agent), then
// the configured defaults.
type Resolver struct {
	defaultUser  string
	defaultAgent string
}

// NewResolver builds a resolver with the configured fallback identities.
// Defaults are validated at config load; empty strings disable the
// fallback.
func NewResolver(defaultUser, defaultAgent string) *Resolver {
	return &Resolver{
		defaultUser:  strings.ToLower(strings.TrimSpace(defaultUser)),
		defaultAgent: strings.ToLower(strings.TrimSpace(defaultAgent)),
	}
}

// Resolve produces the identity for one intercepted request. txFrom is
// the recovered transaction sender, or empty when it could not be
// derived. The agent is the key-holding sender, so txFrom backfills the
// agent; the user has no in-band representation and falls back to the
// configured default.
func (r *Resolver) Resolve(header http.Header, txFrom string) (Identity, error) {
	user := normalizeAddr(header.Get(headerUser))
	agent := normalizeAddr(header.Get(headerAgent))
	if agent == "" {
		agent = normalizeAddr(txFrom)
	}
	if agent == "" {
		agent = r.defaultAgent
	}
	if user == "" {
		user = r.defaultUser
	}
	if user == "" || agent == "" {
		return Identity{}, fmt.Errorf("identity unresolved: user=%q agent=%q", user, agent)
	}
	if !common.IsHexAddress(user) {
		return Identity{}, fmt.Errorf("user %q is not a hex address", user)
	}
	if !common.IsHexAddress(agent) {
		return Identity{}, fmt.Errorf("agent %q is not a hex address", agent)
	}
	return Identity{User: user, Agent: agent}, nil
}

func normalizeAddr(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
