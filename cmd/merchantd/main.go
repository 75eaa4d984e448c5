package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"merchantvasp/chain"
	"merchantvasp/chainsync"
	"merchantvasp/config"
	"merchantvasp/liquidity"
	"merchantvasp/observability/logging"
	"merchantvasp/payments"
	"merchantvasp/storage"
	"merchantvasp/wallet"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to merchantd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MERCHANTD_ENV"))
	logger := logging.Setup("merchantd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("merchantd: load config: %v", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("merchantd: open storage: %v", err)
	}
	defer store.Close()

	progress, err := chainsync.OpenProgress(cfg.ProgressPath)
	if err != nil {
		log.Fatalf("merchantd: open progress store: %v", err)
	}
	defer progress.Close()

	node := chain.NewRPCClient(cfg.Node.Endpoint, cfg.Node.AuthToken, cfg.Node.RequestTimeout.Duration)
	lp := liquidity.NewHTTPProvider(cfg.Liquidity.Endpoint, cfg.Liquidity.APIKey, cfg.Liquidity.RequestTimeout.Duration)

	w, err := wallet.New(cfg.Wallet.PrivateKey, cfg.ChainHRP, node)
	if err != nil {
		log.Fatalf("merchantd: wallet: %v", err)
	}
	logger.Info("custody wallet loaded", "address", w.AddressHex())

	manager, err := payments.NewManager(store, lp, w, node, cfg.ChainHRP,
		payments.WithExpiryWindow(cfg.PaymentExpiry.Duration),
		payments.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("merchantd: payment manager: %v", err)
	}

	accounts := append([]string{w.AddressHex()}, cfg.Sync.Accounts...)
	syncOpts := []chainsync.Option{
		chainsync.WithInterval(cfg.Sync.PollInterval.Duration),
		chainsync.WithBatchSize(cfg.Sync.BatchSize),
		chainsync.WithLogger(logger),
	}
	if cfg.Sync.Resilient {
		syncOpts = append(syncOpts, chainsync.Resilient())
	}
	engine, err := chainsync.New(node, progress, manager, accounts, syncOpts...)
	if err != nil {
		log.Fatalf("merchantd: sync engine: %v", err)
	}
	if cfg.Sync.PauseOnStart {
		engine.Pause()
		logger.Warn("sync engine starting paused")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           adminRouter(engine),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admin server listening", "addr", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("fatal error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "err", err)
	}
}

func adminRouter(engine *chainsync.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, engine.Status())
	})
	r.Post("/pause", func(w http.ResponseWriter, _ *http.Request) {
		engine.Pause()
		writeJSON(w, engine.Status())
	})
	r.Post("/resume", func(w http.ResponseWriter, _ *http.Request) {
		engine.Resume()
		writeJSON(w, engine.Status())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
