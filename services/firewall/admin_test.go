package firewall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"aegis/ledger"
	"aegis/services/anchor"
)

const adminSecret = "test-secret"

type fakeAnchor struct {
	summary  anchor.Summary
	acquired bool
	err      error
	paused   bool
	runs     int
}

func (f *fakeAnchor) TryRunOnce(ctx context.Context) (anchor.Summary, bool, error) {
	f.runs++
	return f.summary, f.acquired, f.err
}

func (f *fakeAnchor) Pause()       { f.paused = true }
func (f *fakeAnchor) Resume()      { f.paused = false }
func (f *fakeAnchor) Paused() bool { return f.paused }

type adminHarness struct {
	router   http.Handler
	anchor   *fakeAnchor
	policies *fakePolicies
	queues   *ledger.QueueStore
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = kv.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	t.Cleanup(upstream.Close)
	forwarder, err := NewHTTPForwarder(upstream.URL)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}

	policies := &fakePolicies{}
	reservations := ledger.NewReservationStore(kv)
	queues := ledger.NewQueueStore(kv)
	trigger := &fakeAnchor{acquired: true}
	admin := NewAdminServer(adminSecret, policies, reservations, queues, forwarder, trigger, nil)
	gw := NewGateway(policies, reservations, queues, forwarder, NewResolver("", ""), nil)
	return &adminHarness{
		router:   NewRouter(gw, admin),
		anchor:   trigger,
		policies: policies,
		queues:   queues,
	}
}

func (h *adminHarness) request(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresBearerToken(t *testing.T) {
	h := newAdminHarness(t)
	for _, token := range []string{"", "wrong"} {
		rec := h.request(t, http.MethodGet, "/admin/queues", "", token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, rec.Code)
		}
	}
	if rec := h.request(t, http.MethodGet, "/admin/queues", "", adminSecret); rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newAdminHarness(t)
	if rec := h.request(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := h.request(t, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminPolicyReportsTupleAndReservation(t *testing.T) {
	h := newAdminHarness(t)
	h.policies.set(testUser, testAgent, activePolicy(5000))

	path := "/admin/policy?user=" + testUser + "&agent=" + testAgent
	rec := h.request(t, http.MethodGet, path, "", adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["dailyLimitWei"] != "5000" || payload["active"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if payload["reservedWei"] != "0" {
		t.Fatalf("reservedWei = %v, want 0", payload["reservedWei"])
	}
}

func TestAdminPolicyValidatesAddresses(t *testing.T) {
	h := newAdminHarness(t)
	rec := h.request(t, http.MethodGet, "/admin/policy?user=bogus&agent="+testAgent, "", adminSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminAnchorTriggerConflictsWhenLockHeld(t *testing.T) {
	h := newAdminHarness(t)
	h.anchor.acquired = false
	rec := h.request(t, http.MethodPost, "/admin/anchor", "", adminSecret)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAdminAnchorTriggerReturnsSummary(t *testing.T) {
	h := newAdminHarness(t)
	h.anchor.summary = anchor.Summary{Scanned: 2, Processed: 1, AnchorTxs: []string{"0xabc"}}
	rec := h.request(t, http.MethodPost, "/admin/anchor", "", adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var summary anchor.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Processed != 1 || summary.Scanned != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if h.anchor.runs != 1 {
		t.Fatalf("runs = %d", h.anchor.runs)
	}
}

func TestAdminPauseResume(t *testing.T) {
	h := newAdminHarness(t)
	if rec := h.request(t, http.MethodPost, "/admin/anchor/pause", "", adminSecret); rec.Code != http.StatusOK {
		t.Fatalf("pause = %d", rec.Code)
	}
	if !h.anchor.paused {
		t.Fatal("worker not paused")
	}
	if rec := h.request(t, http.MethodPost, "/admin/anchor/resume", "", adminSecret); rec.Code != http.StatusOK {
		t.Fatalf("resume = %d", rec.Code)
	}
	if h.anchor.paused {
		t.Fatal("worker still paused")
	}
}

func TestAdminRequeueFailedMovesRecords(t *testing.T) {
	h := newAdminHarness(t)
	ctx := context.Background()
	for _, raw := range []string{`{"amountWei":"1"}`, `{"amountWei":"2"}`} {
		if err := h.queues.PushFailed(ctx, testUser, testAgent, raw); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}
	body := `{"user":"` + testUser + `","agent":"` + testAgent + `","max":10}`
	rec := h.request(t, http.MethodPost, "/admin/failed/requeue", body, adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["moved"] != 2 {
		t.Fatalf("moved = %d", payload["moved"])
	}
	pending, failed, err := h.queues.QueueDepth(ctx, testUser, testAgent)
	if err != nil || pending != 2 || failed != 0 {
		t.Fatalf("depths = %d/%d err=%v", pending, failed, err)
	}
}

func TestAdminQueuesReportsDepths(t *testing.T) {
	h := newAdminHarness(t)
	if err := h.queues.PushPending(context.Background(), testUser, testAgent, ledger.Record{TxHash: testHash, AmountWei: "5", TimestampMs: 1}); err != nil {
		t.Fatalf("push pending: %v", err)
	}
	rec := h.request(t, http.MethodGet, "/admin/queues", "", adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		PendingTotal int64 `json:"pendingTotal"`
		FailedTotal  int64 `json:"failedTotal"`
		Pairs        []struct {
			User  string `json:"user"`
			Agent string `json:"agent"`
		} `json:"pairs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.PendingTotal != 1 || len(payload.Pairs) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Pairs[0].User != testUser || payload.Pairs[0].Agent != testAgent {
		t.Fatalf("pair = %+v", payload.Pairs[0])
	}
}
