// Command loanzzzd runs the lending engine daemon: HTTP API, websocket bus
// and the periodic maintenance loops, all over one embedded ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"loanzzz/auth"
	"loanzzz/bridge"
	"loanzzz/bus"
	"loanzzz/config"
	"loanzzz/indexer"
	"loanzzz/native/loan"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
	"loanzzz/observability/logging"
	"loanzzz/observability/otel"
	"loanzzz/scheduler"
	"loanzzz/server"
	"loanzzz/storage"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "loanzzzd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.Setup("loanzzzd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "loanzzzd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close ledger failed", "error", err)
		}
	}()

	source := oracle.NewCoinGeckoSource(nil, cfg.CoinGeckoAPIURL, nil)
	prices := oracle.New(source, store, log, oracle.WithTTL(cfg.PriceTTL))

	var sessions *auth.Manager
	if cfg.SessionSecret != "" {
		sessions, err = auth.NewManager(cfg.SessionSecret,
			auth.WithSessionTTL(cfg.SessionTTL),
			auth.WithRequireSignature(cfg.RequireSignature))
		if err != nil {
			return err
		}
	} else if cfg.RequireSignature {
		return errors.New("SESSION_SECRET required when AUTH_REQUIRE_SIGNATURE is set")
	} else {
		log.Warn("running without session tokens, SESSION_SECRET is not set")
	}

	hubOpts := []bus.Option{}
	if sessions != nil {
		hubOpts = append(hubOpts, bus.WithTokenVerifier(sessions))
	}
	hub := bus.NewHub(log, hubOpts...)

	engine, err := loan.NewEngine(store, loan.Params{
		InitialLTV:         cfg.InitialLTV,
		MarginCallLTV:      cfg.MarginCallLTV,
		LiquidationLTV:     cfg.LiquidationLTV,
		HourlyInterestRate: cfg.HourlyInterestRate,
		LiquidationFee:     cfg.LiquidationFee,
	}, log, loan.WithNotifier(hub))
	if err != nil {
		return err
	}
	distributor := staking.New(store, cfg.DailyYieldRate, log, staking.WithNotifier(hub))

	var reconciler *indexer.Reconciler
	if cfg.ECashExplorerURL != "" || cfg.SolanaRPCURL != "" {
		var explorer *indexer.ExplorerClient
		if cfg.ECashExplorerURL != "" {
			if explorer, err = indexer.NewExplorerClient(nil, cfg.ECashExplorerURL); err != nil {
				return err
			}
		}
		var solana *indexer.SolanaClient
		if cfg.SolanaRPCURL != "" {
			if solana, err = indexer.NewSolanaClient(nil, cfg.SolanaRPCURL); err != nil {
				return err
			}
		}
		reconciler = indexer.NewReconciler(store, explorer, solana, cfg.EscrowXECAddress, cfg.EscrowSolAddress, log)
	}

	bridgeOpts := []bridge.Option{bridge.WithNotifier(hub)}
	if reconciler != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithConfirmer(reconciler))
	}
	deposits := bridge.New(store, log, bridgeOpts...)

	srv, err := server.New(server.Config{
		Store:             store,
		Engine:            engine,
		Oracle:            prices,
		Distributor:       distributor,
		Bridge:            deposits,
		Sessions:          sessions,
		WS:                hub,
		DepositXECAddress: cfg.EscrowXECAddress,
		DepositSolAddress: cfg.EscrowSolAddress,
		FrontendURL:       cfg.FrontendURL,
		RatePerMinute:     300,
		RateBurst:         30,
		Log:               log,
	})
	if err != nil {
		return err
	}

	schedOpts := []scheduler.Option{scheduler.WithBroadcaster(hub)}
	if reconciler != nil {
		schedOpts = append(schedOpts, scheduler.WithReconciler(reconciler))
	}
	ticker := scheduler.New(prices, engine, distributor, log, schedOpts...)
	go func() {
		if err := ticker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.ListenPort, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
