package firewall

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aegis/config"
	"aegis/ledger"
	"aegis/observability"
	"aegis/observability/logging"
	telemetry "aegis/observability/otel"
	"aegis/registry"
	"aegis/services/anchor"
)

// Main initialises and runs the firewall daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to aegisd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AEGIS_ENV"))
	logger := logging.Setup("aegisd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"upstream", cfg.UpstreamURL,
		"contract", strings.ToLower(cfg.Registry.ContractAddress),
		"anchor_epoch", cfg.Anchor.Epoch.Duration.String(),
		"anchor_mode", string(cfg.Anchor.Mode),
		"facilitator_key", logging.MaskValue(cfg.Registry.FacilitatorKey),
		"admin_secret", logging.MaskValue(cfg.Anchor.Secret),
	)

	if cfg.Observability.Metrics || cfg.Observability.Tracing {
		shutdownTelemetry, err := telemetry.InitFromEnv(context.Background(), "aegisd", env,
			cfg.Observability.Metrics, cfg.Observability.Tracing)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	redisOpts, err := redis.ParseURL(cfg.KVURL)
	if err != nil {
		return fmt.Errorf("parse kv_url: %w", err)
	}
	kv := redis.NewClient(redisOpts)
	defer func() { _ = kv.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = kv.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("spend ledger unreachable: %w", err)
	}

	metrics := observability.Firewall()
	reservations := ledger.NewReservationStore(kv, ledger.WithRetryHook(metrics.RecordReserveRetry))
	queues := ledger.NewQueueStore(kv)
	lock, err := ledger.NewLock(kv)
	if err != nil {
		return fmt.Errorf("init anchor lock: %w", err)
	}

	eth, err := registry.DialCaller(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer eth.Close()
	contract := common.HexToAddress(cfg.Registry.ContractAddress)
	policies, err := registry.NewClient(eth, contract, registry.WithCacheTTL(cfg.Registry.CacheTTL.Duration))
	if err != nil {
		return fmt.Errorf("init registry client: %w", err)
	}

	var submitter anchor.Submitter
	if strings.TrimSpace(cfg.Registry.FacilitatorKey) != "" {
		anchorer, err := registry.NewAnchorer(eth, contract, cfg.Registry.FacilitatorKey, bigChainID(cfg.Registry.ChainID))
		if err != nil {
			return fmt.Errorf("init anchorer: %w", err)
		}
		logger.Info("facilitator signer loaded", "address", strings.ToLower(anchorer.Facilitator().Hex()))
		submitter = anchorer
	}

	forwarder, err := NewHTTPForwarder(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("init forwarder: %w", err)
	}
	resolver := NewResolver(cfg.Identity.DefaultUser, cfg.Identity.DefaultAgent)
	gw := NewGateway(policies, reservations, queues, forwarder, resolver, logger,
		WithForwardTimeout(cfg.ForwardTimeout.Duration),
		WithRequestLogging(cfg.Observability.LogRequests),
	)

	worker := anchor.NewWorker(queues, lock, submitter, cfg.Anchor, logger)
	admin := NewAdminServer(cfg.Anchor.Secret, policies, reservations, queues, forwarder, worker, logger)

	var handler http.Handler = NewRouter(gw, admin)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(handler, "aegisd")
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Anchor.Enabled() {
		if submitter == nil {
			return fmt.Errorf("anchor worker enabled without facilitator key")
		}
		go worker.Run(stopCtx)
	} else {
		logger.Info("periodic anchoring disabled, manual trigger only")
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("aegisd listening", "addr", cfg.ListenAddress, "upstream", cfg.UpstreamURL)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func bigChainID(id int64) *big.Int {
	return big.NewInt(id)
}
