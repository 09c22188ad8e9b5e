package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/api"
	"github.com/x402lab/facilitator/internal/chain"
	"github.com/x402lab/facilitator/internal/config"
	"github.com/x402lab/facilitator/internal/exact"
	"github.com/x402lab/facilitator/internal/facilitator"
	"github.com/x402lab/facilitator/internal/gate"
	"github.com/x402lab/facilitator/internal/ledger"
	"github.com/x402lab/facilitator/internal/network"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (voucher store) ─────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Network registry ──────────────────────────────────────────────────────
	registry, err := network.NewRegistry(cfg.Networks)
	if err != nil {
		log.Fatal("network registry init failed", zap.Error(err))
	}

	// ── Per-network chain clients, schemes, ledgers ───────────────────────────
	exactSchemes := make(map[string]*exact.Scheme)
	ledgers := make(map[string]*ledger.Ledger)
	escrows := make(map[string]api.EscrowConfigReader)
	for _, name := range registry.Names() {
		net, _ := registry.Lookup(name)
		client, err := chain.NewClient(net, cfg.Signer.PrivateKey)
		if err != nil {
			log.Fatal("chain client init failed", zap.String("network", name), zap.Error(err))
		}
		exactSchemes[name] = exact.NewScheme(net, client, log)
		ledgers[name] = ledger.New(net, rdb, client, log)
		escrows[name] = client
		log.Info("network configured",
			zap.String("network", name),
			zap.Int64("chain_id", net.ChainID),
			zap.String("escrow", net.Escrow.Hex()),
		)
	}

	fac := facilitator.New(registry, exactSchemes, ledgers, log)

	// ── Access gate ───────────────────────────────────────────────────────────
	var accessGate gate.Gate = gate.AllowAll{}
	if cfg.Gate.URL != "" {
		accessGate = gate.NewHTTPGate(cfg.Gate.URL, cfg.Gate.APIKey, time.Duration(cfg.Gate.Timeout)*time.Second)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	group := r.Group("/", gate.Middleware(accessGate, log))
	api.NewHandler(fac, escrows, log).Register(group)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
