package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"aegis/ledger"
	"aegis/observability"
	"aegis/registry"
)

// PolicyReader loads the on-chain policy tuple for a pair. Satisfied by
// *registry.Client in production and by fakes in tests.
type PolicyReader interface {
	Policy(ctx context.Context, user, agent common.Address) (registry.Policy, error)
}

// Gateway terminates the agent-facing JSON-RPC surface: it intercepts
// value transfers, runs them through the policy pipeline, and relays
// everything else upstream byte-for-byte.
type Gateway struct {
	policies     PolicyReader
	reservations *ledger.ReservationStore
	queues       *ledger.QueueStore
	forwarder    Forwarder
	resolver     *Resolver
	metrics      *observability.FirewallMetrics
	logger       *slog.Logger

	forwardTimeout time.Duration
	logRequests    bool
	now            func() time.Time
}

// GatewayOption customises the gateway.
type GatewayOption func(*Gateway)

// WithForwardTimeout bounds each upstream round trip.
func WithForwardTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.forwardTimeout = d
		}
	}
}

// WithRequestLogging enables the per-admission structured log line.
func WithRequestLogging(enabled bool) GatewayOption {
	return func(g *Gateway) { g.logRequests = enabled }
}

// WithGatewayClock sets the time source for latency and pending
// timestamps.
func WithGatewayClock(clock func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = clock }
}

// NewGateway wires the policy pipeline.
func NewGateway(
	policies PolicyReader,
	reservations *ledger.ReservationStore,
	queues *ledger.QueueStore,
	forwarder Forwarder,
	resolver *Resolver,
	logger *slog.Logger,
	opts ...GatewayOption,
) *Gateway {
	gw := &Gateway{
		policies:       policies,
		reservations:   reservations,
		queues:         queues,
		forwarder:      forwarder,
		resolver:       resolver,
		metrics:        observability.Firewall(),
		logger:         logger,
		forwardTimeout: 10 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(gw)
	}
	if gw.logger == nil {
		gw.logger = slog.Default()
	}
	return gw
}

// HandleRPC serves POST /rpc. Batches are processed item by item with
// the response array preserving request order; one poisoned entry never
// fails its siblings.
func (g *Gateway) HandleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeRPC(w, errorBody(nil, codeInvalidRequest, kindInvalidRequest, "request body unreadable or too large", nil))
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		writeRPC(w, errorBody(nil, codeInvalidRequest, kindInvalidRequest, "empty request body", nil))
		return
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 {
			writeRPC(w, errorBody(nil, codeInvalidRequest, kindInvalidRequest, "malformed batch", nil))
			return
		}
		out := make([][]byte, 0, len(items))
		for _, item := range items {
			out = append(out, g.process(r.Context(), r.Header, item))
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, entry := range out {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(entry)
		}
		buf.WriteByte(']')
		writeRPC(w, buf.Bytes())
		return
	}

	writeRPC(w, g.process(r.Context(), r.Header, trimmed))
}

// process runs one request through interception. A panic anywhere in
// the pipeline degrades to a fatal error response for that request
// only.
func (g *Gateway) process(ctx context.Context, header http.Header, raw []byte) (out []byte) {
	var req RPCRequest
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("rpc pipeline panic", "method", req.Method, "panic", rec)
			out = errorBody(req.ID, codeFatal, kindFatal, "internal failure", nil)
		}
	}()

	if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
		return errorBody(req.ID, codeInvalidRequest, kindInvalidRequest, "malformed JSON-RPC request", nil)
	}

	if req.Method != methodSendTransaction && req.Method != methodSendRawTransaction {
		return g.passthrough(ctx, req, raw)
	}

	summary, err := parseTransaction(req.Method, req.Params)
	if err != nil {
		g.metrics.RecordAdmission(req.Method, "parse_failure", 0)
		return errorBody(req.ID, codeParseFailure, kindParseFailure, err.Error(), nil)
	}
	if !summary.Transfers() {
		// No value at risk; relay without touching the ledger.
		return g.passthrough(ctx, req, raw)
	}
	return g.admit(ctx, header, req, raw, summary)
}

// passthrough relays a request upstream without admission control.
func (g *Gateway) passthrough(ctx context.Context, req RPCRequest, raw []byte) []byte {
	fctx, cancel := context.WithTimeout(ctx, g.forwardTimeout)
	defer cancel()
	resp, err := g.forwarder.Forward(fctx, raw)
	if err != nil {
		g.logger.Warn("upstream forward failed", "method", req.Method, "err", err)
		return errorBody(req.ID, codeForwardFailed, kindForwardFailed, err.Error(), nil)
	}
	g.metrics.RecordForward(req.Method, false)
	return resp
}

func writeRPC(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
