package firewall

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/ledger"
	"aegis/services/anchor"
)

const anchorTriggerTimeout = 120 * time.Second

// AnchorTrigger is the slice of the anchor worker the admin surface
// drives: the on-demand iteration plus the pause switch.
type AnchorTrigger interface {
	TryRunOnce(ctx context.Context) (anchor.Summary, bool, error)
	Pause()
	Resume()
	Paused() bool
}

// AdminServer implements the operator endpoints. Everything under
// /admin is bearer-token guarded; health, readiness, and metrics are
// open for the scheduler and scraper.
type AdminServer struct {
	secret       string
	policies     PolicyReader
	reservations *ledger.ReservationStore
	queues       *ledger.QueueStore
	forwarder    Forwarder
	anchor       AnchorTrigger
	logger       *slog.Logger
	now          func() time.Time
}

// NewAdminServer wires the operator surface.
func NewAdminServer(
	secret string,
	policies PolicyReader,
	reservations *ledger.ReservationStore,
	queues *ledger.QueueStore,
	forwarder Forwarder,
	anchorTrigger AnchorTrigger,
	logger *slog.Logger,
) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminServer{
		secret:       secret,
		policies:     policies,
		reservations: reservations,
		queues:       queues,
		forwarder:    forwarder,
		anchor:       anchorTrigger,
		logger:       logger,
		now:          time.Now,
	}
}

// NewRouter assembles the full HTTP surface: the RPC data plane plus
// the operator endpoints.
func NewRouter(gw *Gateway, admin *AdminServer) http.Handler {
	r := chi.NewRouter()
	r.Post("/rpc", gw.HandleRPC)
	r.Get("/healthz", admin.handleHealthz)
	r.Get("/readyz", admin.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.requireAuth)
		r.Get("/policy", admin.handlePolicy)
		r.Get("/queues", admin.handleQueues)
		r.Post("/anchor", admin.handleAnchorOnce)
		r.Post("/anchor/pause", admin.handleAnchorPause)
		r.Post("/anchor/resume", admin.handleAnchorResume)
		r.Post("/failed/requeue", admin.handleRequeueFailed)
	})
	return r
}

func (s *AdminServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if s.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports live reachability of the spend ledger and the
// upstream endpoint. Readiness fails closed like admissions do.
func (s *AdminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"ledger": "ok", "upstream": "ok"}
	status := http.StatusOK
	if err := s.queues.Ping(ctx); err != nil {
		checks["ledger"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.forwarder.Probe(ctx); err != nil {
		checks["upstream"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// handlePolicy returns the live registry tuple for a pair together with
// the off-chain amount reserved today.
func (s *AdminServer) handlePolicy(w http.ResponseWriter, r *http.Request) {
	user := normalizeAddr(r.URL.Query().Get("user"))
	agent := normalizeAddr(r.URL.Query().Get("agent"))
	if !common.IsHexAddress(user) || !common.IsHexAddress(agent) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and agent must be hex addresses"})
		return
	}
	policy, err := s.policies.Policy(r.Context(), common.HexToAddress(user), common.HexToAddress(agent))
	if err != nil {
		s.logger.Error("admin policy read failed", "user", user, "agent", agent, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "policy read failed"})
		return
	}
	day := ledger.DayBucket(s.now())
	reserved, err := s.reservations.Reserved(r.Context(), user, agent, day)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "ledger read failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":          user,
		"agent":         agent,
		"exists":        policy.Exists,
		"active":        policy.Active,
		"dailyLimitWei": policy.DailyLimit.String(),
		"chainSpendWei": policy.CurrentSpend.String(),
		"lastReset":     policy.LastReset.String(),
		"reservedWei":   reserved.String(),
		"day":           day,
	})
}

// handleQueues reports aggregate and per-pair queue depths.
func (s *AdminServer) handleQueues(w http.ResponseWriter, r *http.Request) {
	pendingTotal, failedTotal, err := s.queues.Depths(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "ledger scan failed"})
		return
	}
	type pairDepth struct {
		User    string `json:"user"`
		Agent   string `json:"agent"`
		Pending int64  `json:"pending"`
		Failed  int64  `json:"failed"`
	}
	pairs := []pairDepth{}
	keys, err := s.queues.PendingKeys(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "ledger scan failed"})
		return
	}
	for _, key := range keys {
		user, agent, parseErr := ledger.ParsePendingKey(key)
		if parseErr != nil {
			continue
		}
		pending, failed, depthErr := s.queues.QueueDepth(r.Context(), user, agent)
		if depthErr != nil {
			continue
		}
		pairs = append(pairs, pairDepth{User: user, Agent: agent, Pending: pending, Failed: failed})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pendingTotal": pendingTotal,
		"failedTotal":  failedTotal,
		"pairs":        pairs,
		"anchorPaused": s.anchor.Paused(),
	})
}

// handleAnchorOnce drives one anchoring iteration synchronously. A 409
// means another instance holds the anchor lock.
func (s *AdminServer) handleAnchorOnce(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), anchorTriggerTimeout)
	defer cancel()
	summary, acquired, err := s.anchor.TryRunOnce(ctx)
	if err != nil {
		s.logger.Error("manual anchor iteration failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !acquired {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "anchoring already in progress"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *AdminServer) handleAnchorPause(w http.ResponseWriter, r *http.Request) {
	s.anchor.Pause()
	s.logger.Info("anchor worker paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *AdminServer) handleAnchorResume(w http.ResponseWriter, r *http.Request) {
	s.anchor.Resume()
	s.logger.Info("anchor worker resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleRequeueFailed moves records from a pair's failed queue back to
// pending after the operator has fixed the underlying cause.
func (s *AdminServer) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User  string `json:"user"`
		Agent string `json:"agent"`
		Max   int    `json:"max"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	user := normalizeAddr(req.User)
	agent := normalizeAddr(req.Agent)
	if !common.IsHexAddress(user) || !common.IsHexAddress(agent) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and agent must be hex addresses"})
		return
	}
	if req.Max <= 0 || req.Max > 1000 {
		req.Max = 100
	}
	moved, err := s.queues.RequeueFailed(r.Context(), user, agent, req.Max)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "requeue failed"})
		return
	}
	s.logger.Info("failed records requeued", "user", user, "agent", agent, "moved", moved)
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
