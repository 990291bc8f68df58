/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the heart engine server. Handles configuration,
  dependency injection, the background reconciliation sweeper, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment config
  2. Initialize SQLite store
  3. Wire ledger, wallet, payment engine, progression engine
  4. Start reconciliation sweeper
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT env)
  -db      SQLite database path (overrides DB_PATH env)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT, DB_PATH, GATEWAY_BASE_URL, GATEWAY_API_KEY, GATEWAY_API_SECRET,
  WEBHOOK_SECRET, PRICING_PATH, SWEEP_INTERVAL, ALLOWED_ORIGINS
  See config/config.go for defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/hearts.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
  - payments/sweeper.go: Background reconciliation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/niceverygood/heart-engine/api"
	"github.com/niceverygood/heart-engine/config"
	"github.com/niceverygood/heart-engine/ledger"
	"github.com/niceverygood/heart-engine/payments"
	"github.com/niceverygood/heart-engine/progression"
	"github.com/niceverygood/heart-engine/store/sqlite"
	"github.com/niceverygood/heart-engine/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override env
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the domain
	notifier := ledger.NewNotifier()
	led := ledger.New(store, notifier)
	w := wallet.New(led)

	pricing := payments.DefaultPricing()
	if cfg.PricingPath != "" {
		pricing, err = payments.LoadPricing(cfg.PricingPath)
		if err != nil {
			log.Fatalf("Failed to load pricing: %v", err)
		}
	}

	var gateway payments.Gateway
	if cfg.GatewayBaseURL != "" {
		gateway = payments.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayKey, cfg.GatewaySecret)
	} else {
		log.Println("Warning: no GATEWAY_BASE_URL configured, poll verification disabled")
	}

	pay := payments.NewEngine(led, gateway, pricing, payments.NewVerifier(cfg.WebhookSecret))
	prog := progression.NewEngine(store, progression.DefaultEventDeltas())

	// Background reconciliation of pending purchases
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if gateway != nil {
		sweeper := payments.NewSweeper(pay, cfg.SweepInterval)
		go sweeper.Run(sweepCtx)
	}

	// Create router
	handler := api.NewHandler(led, w, pay, prog)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
