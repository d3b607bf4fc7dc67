package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"aegis/ledger"
	"aegis/observability"
)

var txHashPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// admit runs an intercepted value transfer through identity resolution,
// policy lookup, quota reservation, the upstream forward, and pending
// enqueue. Every failure after a successful reserve rolls the
// reservation back before returning.
func (g *Gateway) admit(ctx context.Context, header http.Header, req RPCRequest, raw []byte, summary TxSummary) []byte {
	started := g.now()

	identity, err := g.resolver.Resolve(header, summary.From)
	if err != nil {
		return g.deny(req, started, codePolicyDenied, kindNoPolicy, "no_policy", err.Error(), identity, summary)
	}

	policy, err := g.policies.Policy(ctx, identity.UserAddress(), identity.AgentAddress())
	if err != nil {
		g.logger.Error("policy read failed", "user", identity.User, "agent", identity.Agent, "err", err)
		return g.deny(req, started, codeInternal, kindPolicyRead, "policy_read", "registry unreachable", identity, summary)
	}
	if !policy.Exists {
		return g.deny(req, started, codePolicyDenied, kindNoPolicy, "no_policy", "no policy for pair", identity, summary)
	}
	if !policy.Active {
		return g.deny(req, started, codePolicyDenied, kindKillSwitch, "kill_switch", "policy deactivated", identity, summary)
	}

	err = g.reservations.Reserve(ctx, identity.User, identity.Agent, summary.Value, policy.DailyLimit)
	switch {
	case errors.Is(err, ledger.ErrLimitExceeded):
		return g.deny(req, started, codePolicyDenied, kindLimitExceeded, "limit_exceeded", "daily limit exceeded", identity, summary)
	case err != nil:
		g.logger.Error("reservation failed", "user", identity.User, "agent", identity.Agent, "err", err)
		return g.deny(req, started, codeInternal, kindReserveFailed, "reserve_failed", "spend ledger unavailable", identity, summary)
	}

	fctx, cancel := context.WithTimeout(ctx, g.forwardTimeout)
	resp, err := g.forwarder.Forward(fctx, raw)
	cancel()
	if err != nil {
		g.rollback(identity, summary, "forward_failed")
		g.logger.Warn("upstream forward failed", "method", req.Method, "user", identity.User, "agent", identity.Agent, "err", err)
		return g.deny(req, started, codeForwardFailed, kindForwardFailed, "forward_failed", err.Error(), identity, summary)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if unmarshalErr := json.Unmarshal(resp, &envelope); unmarshalErr == nil && isPresent(envelope.Error) {
		// The node rejected the transaction; nothing settled, so the
		// reservation is returned and the node's error travels back
		// verbatim.
		g.rollback(identity, summary, "upstream_error")
		g.finish(req.Method, "upstream_error", started, identity, summary)
		return resp
	}

	g.metrics.RecordForward(req.Method, true)
	txHash := extractTxHash(envelope.Result, resp)
	record := ledger.Record{
		TxHash:      txHash,
		AmountWei:   summary.Value.String(),
		TimestampMs: g.now().UnixMilli(),
	}
	if pushErr := g.queues.PushPending(ctx, identity.User, identity.Agent, record); pushErr != nil {
		// The transfer already settled upstream; losing the record only
		// delays anchoring, so the caller still gets the success.
		g.logger.Error("pending enqueue failed", "user", identity.User, "agent", identity.Agent, "tx_hash", txHash, "err", pushErr)
	}
	g.finish(req.Method, "admitted", started, identity, summary)
	return resp
}

// rollback returns a reservation after a failed forward. The request
// context may already be cancelled, so a short detached deadline keeps
// the ledger correction on the critical path without inheriting the
// cancellation.
func (g *Gateway) rollback(identity Identity, summary TxSummary, trigger string) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.reservations.Rollback(rctx, identity.User, identity.Agent, summary.Value); err != nil {
		g.logger.Error("rollback failed", "user", identity.User, "agent", identity.Agent, "trigger", trigger, "err", err)
		return
	}
	g.metrics.RecordRollback(trigger)
}

func (g *Gateway) deny(req RPCRequest, started time.Time, code int, kind, outcome, reason string, identity Identity, summary TxSummary) []byte {
	g.finish(req.Method, outcome, started, identity, summary)
	return errorBody(req.ID, code, kind, reason, nil)
}

func (g *Gateway) finish(method, outcome string, started time.Time, identity Identity, summary TxSummary) {
	elapsed := g.now().Sub(started)
	g.metrics.RecordAdmission(method, outcome, elapsed)
	if g.logRequests {
		g.logger.Info("admission",
			"method", method,
			"outcome", outcome,
			"user", identity.User,
			"agent", identity.Agent,
			"value_wei", summary.Value.String(),
			"value_eth_approx", observability.BigToFloat(summary.Value)/1e18,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// extractTxHash pulls the settled transaction hash from the upstream
// response. A string result of exactly one hash is preferred; otherwise
// the first 32-byte hex token anywhere in the body is used. Records
// without a hash still enter the pending queue and are routed to the
// failed queue at anchor time.
func extractTxHash(result json.RawMessage, full []byte) string {
	if isPresent(result) {
		var hash string
		if err := json.Unmarshal(result, &hash); err == nil && txHashPattern.MatchString(hash) && len(hash) == 66 {
			return hash
		}
	}
	if match := txHashPattern.Find(full); match != nil {
		return string(match)
	}
	return ""
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
