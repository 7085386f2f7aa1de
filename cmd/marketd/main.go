package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wattmarket-backend/core/market"
	"wattmarket-backend/ledger"
	"wattmarket-backend/mcp"
	mkt "wattmarket-backend/middleware/market"
	"wattmarket-backend/review"
	"wattmarket-backend/services"
	mstore "wattmarket-backend/storage/market"
)

type config struct {
	StoreDriver      string
	PGDSN            string
	LedgerURL        string
	LedgerAPIKey     string
	CollectionWallet string
	PlatformWallet   string
	ScorerProvider   string
	ScorerURL        string
	ScorerAPIKey     string
	ScorerModel      string
	ScorerTimeout    time.Duration
	VerifyThreshold  int
	ExpiryInterval   time.Duration
	PayoutInterval   time.Duration
	AutoRefund       bool
	WebhookURL       string
	MetricsPort      string
}

func loadConfig() config {
	threshold := market.VerifyThreshold
	if raw := os.Getenv("MARKET_VERIFY_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= market.MaxScore {
			threshold = v
		}
	}

	scorerTimeout := 30 * time.Second
	if raw := os.Getenv("MARKET_SCORER_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			scorerTimeout = time.Duration(v) * time.Second
		}
	}

	expiryInterval := 60 * time.Second
	if raw := os.Getenv("MARKET_EXPIRY_SWEEP_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			expiryInterval = time.Duration(v) * time.Second
		}
	}

	payoutInterval := 30 * time.Second
	if raw := os.Getenv("MARKET_PAYOUT_SWEEP_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			payoutInterval = time.Duration(v) * time.Second
		}
	}

	autoRefund := false
	if raw := os.Getenv("MARKET_AUTO_REFUND"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			autoRefund = v
		}
	}

	return config{
		StoreDriver:      envDefault("MARKET_STORE_DRIVER", "memory"),
		PGDSN:            os.Getenv("MARKET_PG_DSN"),
		LedgerURL:        os.Getenv("MARKET_LEDGER_URL"),
		LedgerAPIKey:     os.Getenv("MARKET_LEDGER_API_KEY"),
		CollectionWallet: envDefault("MARKET_COLLECTION_WALLET", "collection-wallet"),
		PlatformWallet:   envDefault("MARKET_PLATFORM_WALLET", "platform-wallet"),
		ScorerProvider:   envDefault("MARKET_SCORER_PROVIDER", "mock"), // mock | http
		ScorerURL:        os.Getenv("MARKET_SCORER_URL"),
		ScorerAPIKey:     os.Getenv("MARKET_SCORER_API_KEY"),
		ScorerModel:      envDefault("MARKET_SCORER_MODEL", "gpt-4o-mini"),
		ScorerTimeout:    scorerTimeout,
		VerifyThreshold:  threshold,
		ExpiryInterval:   expiryInterval,
		PayoutInterval:   payoutInterval,
		AutoRefund:       autoRefund,
		WebhookURL:       os.Getenv("MARKET_WEBHOOK_URL"),
		MetricsPort:      envDefault("MARKET_METRICS_PORT", "9090"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := loadConfig()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	ctx := context.Background()

	var store mstore.Store
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			logger.Fatal("MARKET_PG_DSN required when MARKET_STORE_DRIVER=postgres")
		}
		store, err = mstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Fatalw("failed to init store", "err", err)
		}
	default:
		store = mstore.NewMemoryStore()
	}
	defer store.Close()

	var led ledger.Ledger
	if cfg.LedgerURL != "" {
		led = ledger.NewRPCLedger(cfg.LedgerURL, cfg.LedgerAPIKey)
	} else {
		logger.Warn("MARKET_LEDGER_URL not set, using in-memory ledger (dev only)")
		led = ledger.NewMemoryLedger()
	}

	var scorer review.Scorer
	switch cfg.ScorerProvider {
	case "http":
		if cfg.ScorerURL == "" {
			logger.Fatal("MARKET_SCORER_URL required when MARKET_SCORER_PROVIDER=http")
		}
		scorer = review.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerAPIKey, cfg.ScorerModel, cfg.ScorerTimeout)
	default:
		logger.Warn("using mock scorer, every submission passes (dev only)")
		scorer = &review.ScriptedScorer{Scores: []review.Score{{Value: market.MaxScore, Feedback: "auto-approved by mock scorer"}}}
	}

	queue := mkt.NewPayoutQueue(store, led, logger)
	engine := mkt.NewEngine(
		store,
		mkt.NewEscrowVerifier(led, cfg.CollectionWallet, market.EscrowMaxAge),
		mkt.NewVerificationGate(scorer, cfg.VerifyThreshold, cfg.ScorerTimeout),
		cfg.PlatformWallet,
		logger,
	)
	queue.OnSent = engine.SettleSolutionPayout

	if cfg.WebhookURL != "" {
		notifier := services.NewWebhookNotifier(cfg.WebhookURL, logger)
		mkt.RegisterEventSink(notifier.Notify)
		logger.Infow("webhook notifier enabled", "url", cfg.WebhookURL)
	}

	// Recover state lost across a restart before any new payouts run:
	// history rows for sent items, and delegated parents whose finalize
	// never committed.
	if _, err := queue.ReconcileStartup(ctx); err != nil {
		logger.Warnw("startup reconciliation failed", "err", err)
	}
	if _, err := engine.RecoverDelegations(ctx); err != nil {
		logger.Warnw("delegation recovery failed", "err", err)
	}

	mkt.StartExpirySweep(ctx, store, cfg.ExpiryInterval, cfg.AutoRefund, logger)
	mkt.StartPayoutSweep(ctx, queue, cfg.PayoutInterval)

	deposits := services.NewDepositService(cfg.CollectionWallet)
	marketServer := mcp.NewMarketServer(engine, deposits)

	logger.Infow("wattmarket starting",
		"store", cfg.StoreDriver,
		"threshold", cfg.VerifyThreshold,
		"auto_refund", cfg.AutoRefund,
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return http.ListenAndServe(":"+cfg.MetricsPort, mux)
	})
	g.Go(func() error {
		return server.ServeStdio(marketServer.GetMCPServer())
	})
	if err := g.Wait(); err != nil {
		logger.Fatalw("server error", "err", err)
	}
}
