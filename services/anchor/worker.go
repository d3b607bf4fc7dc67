package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"aegis/config"
	"aegis/ledger"
	"aegis/observability"
)

const (
	// interKeyDelay spaces per-pair drains so one iteration never
	// saturates the RPC endpoint with nonce-serialised submissions.
	interKeyDelay = 50 * time.Millisecond
	// submitTimeout bounds one recordSpend submission including the
	// confirmation wait. It is detached from the worker context so a
	// shutdown lets the in-flight submission finish.
	submitTimeout = 2 * time.Minute
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Submitter anchors one settled transfer on-chain. Satisfied by
// *registry.Anchorer in production.
type Submitter interface {
	RecordSpend(ctx context.Context, user, agent common.Address, amount *big.Int, txHash common.Hash) (common.Hash, error)
}

// Summary describes one anchoring iteration for the manual trigger.
type Summary struct {
	Scanned   int      `json:"scanned"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	AnchorTxs []string `json:"anchorTxs"`
}

// Worker drains pending queues each epoch and anchors settled
// transfers through the facilitator. Exactly one instance anchors at a
// time; the distributed lock, not a local mutex, enforces that.
type Worker struct {
	queues    *ledger.QueueStore
	lock      *ledger.Lock
	submitter Submitter
	metrics   *observability.AnchorMetrics
	logger    *slog.Logger

	epoch     time.Duration
	batchSize int
	mode      config.AnchorMode
	now       func() time.Time
	delay     time.Duration

	mu     sync.Mutex
	paused bool
}

// WorkerOption customises the worker.
type WorkerOption func(*Worker)

// WithClock sets the worker's time source.
func WithClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = clock }
}

// WithInterKeyDelay overrides the pause between per-pair drains.
func WithInterKeyDelay(d time.Duration) WorkerOption {
	return func(w *Worker) { w.delay = d }
}

// NewWorker constructs the anchoring worker.
func NewWorker(
	queues *ledger.QueueStore,
	lock *ledger.Lock,
	submitter Submitter,
	cfg config.AnchorConfig,
	logger *slog.Logger,
	opts ...WorkerOption,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queues:    queues,
		lock:      lock,
		submitter: submitter,
		metrics:   observability.Anchor(),
		logger:    logger,
		epoch:     cfg.Epoch.Duration,
		batchSize: cfg.BatchSize,
		mode:      cfg.Mode,
		now:       time.Now,
		delay:     interKeyDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.batchSize <= 0 {
		w.batchSize = 20
	}
	return w
}

// Pause stops future iterations without releasing a held lock.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume re-enables iterations.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// Paused reports the pause switch.
func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Run drives the epoch loop until the context is cancelled. The first
// iteration fires one epoch after start so a crash-looping process
// cannot hammer the chain.
func (w *Worker) Run(ctx context.Context) {
	if w.epoch <= 0 {
		w.logger.Info("periodic anchoring disabled")
		return
	}
	ticker := time.NewTicker(w.epoch)
	defer ticker.Stop()
	w.logger.Info("anchor worker started", "epoch", w.epoch.String(), "batch_size", w.batchSize, "mode", string(w.mode))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("anchor worker stopped")
			return
		case <-ticker.C:
			if w.Paused() {
				continue
			}
			if _, acquired, err := w.TryRunOnce(ctx); err != nil {
				w.logger.Error("anchor iteration failed", "err", err)
			} else if !acquired {
				w.logger.Debug("anchor lock held elsewhere, skipping epoch")
			}
		}
	}
}

// TryRunOnce attempts one anchoring iteration, reporting acquired=false
// when another instance holds the lock.
func (w *Worker) TryRunOnce(ctx context.Context) (Summary, bool, error) {
	if w.submitter == nil {
		return Summary{}, false, fmt.Errorf("anchor: no facilitator signer configured")
	}
	acquired, err := w.lock.Acquire(ctx)
	if err != nil {
		return Summary{}, false, err
	}
	if !acquired {
		return Summary{}, false, nil
	}
	w.metrics.SetLockHeld(true)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := w.lock.Release(releaseCtx); releaseErr != nil {
			w.logger.Error("anchor lock release failed", "err", releaseErr)
		}
		w.metrics.SetLockHeld(false)
	}()
	summary, err := w.runIteration(ctx)
	return summary, true, err
}

// runIteration scans pending queues and drains each up to the batch
// size. Queue depth gauges are refreshed afterwards regardless of
// per-key outcomes.
func (w *Worker) runIteration(ctx context.Context) (Summary, error) {
	summary := Summary{AnchorTxs: []string{}}
	keys, err := w.queues.PendingKeys(ctx)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(keys)

	stopAll := false
	for i, key := range keys {
		if stopAll || ctx.Err() != nil {
			break
		}
		user, agent, parseErr := ledger.ParsePendingKey(key)
		if parseErr != nil {
			w.logger.Warn("skipping malformed pending key", "key", key, "err", parseErr)
			continue
		}
		stopAll = w.drainKey(ctx, user, agent, &summary)
		if i < len(keys)-1 && !stopAll {
			select {
			case <-ctx.Done():
			case <-time.After(w.delay):
			}
		}
	}

	if pending, failed, depthErr := w.queues.Depths(ctx); depthErr == nil {
		w.metrics.SetQueueDepths(pending, failed)
	}
	return summary, nil
}

// drainKey pops up to batchSize records for one pair. A submission
// failure parks the record and stops draining this key, since later
// records would likely hit the same chain-side rejection. The returned
// flag stops the whole iteration in one-shot mode after the first
// successful anchor.
func (w *Worker) drainKey(ctx context.Context, user, agent string, summary *Summary) bool {
	for n := 0; n < w.batchSize; n++ {
		if ctx.Err() != nil {
			return false
		}
		raw, ok, err := w.queues.PopPending(ctx, user, agent)
		if err != nil {
			w.logger.Error("pending pop failed", "user", user, "agent", agent, "err", err)
			return false
		}
		if !ok {
			return false
		}

		rec, err := decodeRecord(raw)
		if err != nil {
			w.park(ctx, user, agent, raw, "malformed", err)
			summary.Failed++
			continue
		}
		amount, ok := new(big.Int).SetString(rec.AmountWei, 10)
		if !ok || amount.Sign() <= 0 {
			w.park(ctx, user, agent, raw, "malformed", fmt.Errorf("amount %q", rec.AmountWei))
			summary.Failed++
			continue
		}

		processed, err := w.queues.IsProcessed(ctx, user, agent, rec.TxHash)
		if err != nil {
			w.logger.Error("processed check failed", "user", user, "agent", agent, "err", err)
			// Re-park rather than risk a double anchor.
			w.park(ctx, user, agent, raw, "failed", err)
			summary.Failed++
			return false
		}
		if processed {
			w.metrics.RecordAttempt("skipped_replay", 0)
			w.logger.Info("skipping already anchored transfer", "user", user, "agent", agent, "tx_hash", rec.TxHash)
			summary.Skipped++
			continue
		}

		anchorTx, err := w.submit(user, agent, amount, rec.TxHash)
		if err != nil {
			w.park(ctx, user, agent, raw, "failed", err)
			summary.Failed++
			return false
		}
		if markErr := w.queues.MarkProcessed(ctx, user, agent, rec.TxHash, w.now().UnixMilli()); markErr != nil {
			w.logger.Error("processed marker write failed", "user", user, "agent", agent, "tx_hash", rec.TxHash, "err", markErr)
		}
		summary.Processed++
		summary.AnchorTxs = append(summary.AnchorTxs, anchorTx)
		w.logger.Info("transfer anchored",
			"user", user,
			"agent", agent,
			"tx_hash", rec.TxHash,
			"anchor_tx", anchorTx,
			"amount_wei", amount.String(),
		)
		if w.mode == config.AnchorModeOneShot {
			return true
		}
	}
	return false
}

// submit runs one recordSpend with a detached deadline so shutdown
// never abandons a transaction mid-confirmation.
func (w *Worker) submit(user, agent string, amount *big.Int, txHash string) (string, error) {
	sctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	started := w.now()
	anchorTx, err := w.submitter.RecordSpend(
		sctx,
		common.HexToAddress(user),
		common.HexToAddress(agent),
		amount,
		common.HexToHash(txHash),
	)
	if err != nil {
		w.metrics.RecordAttempt("failed", 0)
		w.logger.Error("anchor submission failed", "user", user, "agent", agent, "tx_hash", txHash, "err", err)
		return "", err
	}
	w.metrics.RecordAttempt("anchored", w.now().Sub(started))
	return strings.ToLower(anchorTx.Hex()), nil
}

// park moves a raw record to the failed queue for operator review.
func (w *Worker) park(ctx context.Context, user, agent, raw, outcome string, cause error) {
	w.metrics.RecordAttempt(outcome, 0)
	w.logger.Warn("parking record in failed queue", "user", user, "agent", agent, "outcome", outcome, "err", cause)
	if err := w.queues.PushFailed(ctx, user, agent, raw); err != nil {
		w.logger.Error("failed queue push failed", "user", user, "agent", agent, "err", err)
	}
}

func decodeRecord(raw string) (ledger.Record, error) {
	var rec ledger.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	if !txHashPattern.MatchString(rec.TxHash) {
		return rec, fmt.Errorf("record has no valid tx hash")
	}
	return rec, nil
}
