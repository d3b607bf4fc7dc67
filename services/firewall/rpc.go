package firewall

import (
	"encoding/json"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	methodSendTransaction    = "eth_sendTransaction"
	methodSendRawTransaction = "eth_sendRawTransaction"
)

// Application error codes within the JSON-RPC custom range.
const (
	codeInvalidRequest = -32600
	codeParseFailure   = -32602
	codePolicyDenied   = -32001
	codeInternal       = -32002
	codeForwardFailed  = -32003
	codeFatal          = -32099
)

// Denial kinds surfaced in the error message as "Aegis: <kind>".
const (
	kindInvalidRequest = "INVALID_REQUEST"

	kindNoPolicy      = "NO_POLICY"
	kindKillSwitch    = "KILL_SWITCH"
	kindLimitExceeded = "LIMIT_EXCEEDED"
	kindPolicyRead    = "POLICY_READ"
	kindReserveFailed = "RESERVE_FAILED"
	kindForwardFailed = "FORWARD_FAILED"
	kindParseFailure  = "PARSE_FAILURE"
	kindFatal         = "FATAL"
)

// RPCRequest is the decoded JSON-RPC envelope. The ID is kept raw so
// the original value (number, string, or null) survives round-trips.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// RPCResponse is the envelope for firewall-originated responses.
// Upstream payloads are returned verbatim and never pass through it.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError carries the code, the "Aegis: <kind>" message, and a data
// object with at least a human-readable reason.
type RPCError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// errorBody renders a firewall error response for one request.
func errorBody(id json.RawMessage, code int, kind, reason string, extra map[string]interface{}) []byte {
	data := map[string]interface{}{}
	for k, v := range extra {
		data[k] = v
	}
	if reason != "" {
		data["reason"] = reason
	}
	resp := RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      normalizeID(id),
		Error: &RPCError{
			Code:    code,
			Message: "Aegis: " + kind,
			Data:    data,
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		// Marshalling a map of strings cannot fail; keep a static fallback anyway.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32099,"message":"Aegis: FATAL"}}`)
	}
	return body
}
