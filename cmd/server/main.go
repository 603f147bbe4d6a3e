// Command server is A6: the process entrypoint. It loads A1, builds
// A2/A3, wires C1-C6 as long-lived singletons, starts their
// background loops, and serves with graceful shutdown — the same
// overall shape as the reference gateway's process bootstrap (build
// logger -> build engine -> register routes -> serve -> wait for
// signal -> drain).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/zap"

	"github.com/jinbowang1/claude-proxy/internal/auth"
	"github.com/jinbowang1/claude-proxy/internal/balance"
	"github.com/jinbowang1/claude-proxy/internal/billing"
	"github.com/jinbowang1/claude-proxy/internal/config"
	"github.com/jinbowang1/claude-proxy/internal/httpclient"
	"github.com/jinbowang1/claude-proxy/internal/logging"
	"github.com/jinbowang1/claude-proxy/internal/pricing"
	"github.com/jinbowang1/claude-proxy/internal/proxy"
	"github.com/jinbowang1/claude-proxy/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger exists yet to route this through; a fatal
		// configuration error at boot is the one place a bare stderr
		// write is appropriate.
		os.Stderr.WriteString("claude-proxy: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("claude-proxy: failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	billingClient := httpclient.New(cfg.BillingTimeout)
	upstreamClient := httpclient.New(cfg.UpstreamTimeout)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	priceTable := pricing.NewDefaultTable()
	balanceCache := balance.New(billingClient, cfg.DomesticAPIURL, cfg.BalanceFreshTTL, cfg.BalanceStaleTTL)
	reporter := billing.New(billingClient, cfg.DomesticAPIURL, balanceCache, cfg.MaxFailedReports, cfg.MaxRetries, cfg.BaseRetryDelay)

	bgCtx := context.Background()
	stopJanitor := balanceCache.StartJanitor(bgCtx, cfg.BalanceJanitorPeriod)
	defer stopJanitor()
	stopScanner := reporter.StartRetryScanner(bgCtx, cfg.RetryScanInterval)
	defer stopScanner()

	handler := proxy.New(verifier, balanceCache, priceTable, reporter, cfg.AnthropicAPIKey, upstreamClient)
	engine := router.New(logger, cfg.LogLevel, handler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logger.Info("claude-proxy listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down, draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
