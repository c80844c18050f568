package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/parlakisik/x402-trust/internal/compliance"
	"github.com/parlakisik/x402-trust/internal/config"
	"github.com/parlakisik/x402-trust/internal/coordinator"
	"github.com/parlakisik/x402-trust/internal/events"
	"github.com/parlakisik/x402-trust/internal/facilitator"
	"github.com/parlakisik/x402-trust/internal/httpapi"
	"github.com/parlakisik/x402-trust/internal/ledger"
	"github.com/parlakisik/x402-trust/internal/metrics"
	"github.com/parlakisik/x402-trust/internal/registry"
	"github.com/parlakisik/x402-trust/internal/reputation"
	"github.com/parlakisik/x402-trust/internal/store"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "trustd",
	Short:         "x402 payment trust and routing daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trustd", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting trustd", "version", version, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: MongoDB when configured, in-memory otherwise.
	var st store.Store = store.NewMemoryStore()
	if cfg.MongoURI != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		defer connectCancel()

		clientOpts := options.Client().ApplyURI(cfg.MongoURI)
		mongoClient, err := mongo.Connect(connectCtx, clientOpts)
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		if err := mongoClient.Ping(connectCtx, nil); err != nil {
			return fmt.Errorf("ping mongodb: %w", err)
		}
		defer func() {
			disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer disconnectCancel()
			if err := mongoClient.Disconnect(disconnectCtx); err != nil {
				slog.Error("failed to disconnect mongodb", "error", err)
			}
		}()

		mongoStore := store.NewMongoStore(mongoClient, cfg.MongoDatabase,
			cfg.MongoCollectionReputation, cfg.MongoCollectionSettlements, cfg.MongoCollectionFacilitators)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			slog.Warn("failed to create indexes", "error", err)
		}
		st = mongoStore
		slog.Info("using mongodb store", "db", cfg.MongoDatabase)
	} else {
		slog.Info("using in-memory store")
	}

	// Compliance screening, with the external risk API when configured.
	var riskClient compliance.RiskClient
	if cfg.RiskAPIURL != "" {
		riskClient = compliance.NewHTTPRiskClient(cfg.RiskAPIURL, cfg.RiskAPIKey, cfg.RiskAPITimeout)
		slog.Info("external risk api enabled", "url", cfg.RiskAPIURL)
	}
	screenerCfg := compliance.DefaultConfig()
	screenerCfg.Sanctioned = cfg.SanctionedAddresses
	screenerCfg.Mixers = cfg.MixerAddresses
	screenerCfg.Scams = cfg.ScamAddresses
	screener := compliance.New(screenerCfg, riskClient)

	// Facilitator registry, seeded from the YAML file when configured.
	reg := registry.New(registry.Config{HealthTTL: cfg.HealthTTL}, st)
	if cfg.FacilitatorsFile != "" {
		seeds, err := config.LoadFacilitators(cfg.FacilitatorsFile)
		if err != nil {
			return fmt.Errorf("load facilitators: %w", err)
		}
		for _, rec := range seeds {
			if err := reg.Register(ctx, rec); err != nil {
				if errors.Is(err, registry.ErrExists) {
					continue
				}
				return fmt.Errorf("seed facilitator %s: %w", rec.ID, err)
			}
		}
		slog.Info("seeded facilitators", "count", len(seeds), "file", cfg.FacilitatorsFile)
	}

	agg := metrics.New(metrics.DefaultConfig())
	agg.Start(ctx)

	bus := events.NewBus("trustd")
	if cfg.EventWebhookURL != "" {
		for _, eventType := range []string{
			events.EventPaymentVerified,
			events.EventPaymentSettled,
			events.EventPaymentRejected,
			events.EventReputationUpdated,
			events.EventBadgeAwarded,
			events.EventFraudSignal,
			events.EventFacilitatorHealth,
		} {
			bus.RegisterWebhook(eventType, cfg.EventWebhookURL)
		}
		slog.Info("event webhook enabled", "url", cfg.EventWebhookURL)
	}

	if cfg.LedgerURL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}
	ledgerClient := ledger.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerTimeout)

	engine := reputation.New(reputation.DefaultParams())

	coord := coordinator.New(coordinator.DefaultParams(), coordinator.Deps{
		Ledger:       ledgerClient,
		Screener:     screener,
		Registry:     reg,
		Facilitators: facilitator.NewClient(cfg.FacilitatorTimeout),
		Metrics:      agg,
		Reputation:   engine,
		RepStore:     st,
		Settlements:  st,
		Bus:          bus,
	})

	svc := httpapi.New(coord, screener, reg, st, agg, bus)
	router := httpapi.NewRouter(svc)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-quit:
	}

	slog.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}
