// Package main runs the car marketplace client: it connects the configured
// wallet to the listings and token contracts, keeps the listing snapshot
// fresh and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/carmarket/internal/agent"
	"github.com/R3E-Network/carmarket/internal/chain"
	"github.com/R3E-Network/carmarket/internal/config"
	"github.com/R3E-Network/carmarket/internal/httpapi"
	"github.com/R3E-Network/carmarket/internal/ledger"
	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
	"github.com/R3E-Network/carmarket/internal/refresh"
)

const limiterIdle = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carmarket: %v\n", err)
		os.Exit(1)
	}
	log := logging.New("carmarket", cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("carmarket stopped")
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.Chain.RPCURL,
		NetworkID: cfg.Chain.NetworkMagic,
		Timeout:   cfg.Chain.Timeout,
		RateLimit: cfg.Chain.RateLimit,
		Burst:     cfg.Chain.Burst,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}

	// Without a wallet the API still serves reads of an empty snapshot and
	// reports the agent as unavailable.
	var (
		signingAgent marketplace.Agent
		signers      ledger.Signers
	)
	wa, err := agent.Open(cfg.Wallet.Path, agent.StaticPassphrase(cfg.Wallet.Passphrase))
	switch {
	case err == nil:
		defer wa.Close()
		signingAgent, signers = wa, wa
	case errors.Is(err, agent.ErrNoWallet):
		log.WithField("path", cfg.Wallet.Path).Warn("no wallet found, running without a signing agent")
	default:
		return fmt.Errorf("open wallet: %w", err)
	}

	binder, err := ledger.New(rpc, signers, ledger.Config{
		ListingsHash: cfg.Contracts.ListingsHash,
		TokenHash:    cfg.Contracts.TokenHash,
		PollInterval: cfg.Chain.PollInterval,
		WaitTimeout:  cfg.Chain.WaitTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	cc := marketplace.NewClientContext(signingAgent, binder, marketplace.Options{
		FetchConcurrency: cfg.Listings.FetchConcurrency,
		Decimals:         cfg.Contracts.TokenDecimals,
		Logger:           log,
	})
	orch := marketplace.NewOrchestrator(cc, log)

	if err := cc.Session.Connect(ctx); err != nil {
		log.WithError(err).Warn("session not connected")
	} else if err := orch.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial listing refresh failed")
	}

	if cfg.Listings.RefreshSchedule != "" {
		sched, err := refresh.New(cfg.Listings.RefreshSchedule, orch, cfg.Listings.RefreshTimeout, log)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	api := httpapi.New(orch, httpapi.Config{
		ExplorerURL: cfg.Server.ExplorerURL,
		CORSOrigins: cfg.Server.CORSOrigins,
		WriteRate:   cfg.Server.WriteRate,
		WriteBurst:  cfg.Server.WriteBurst,
	}, log)
	if rl := api.RateLimiter(); rl != nil {
		go func() {
			ticker := time.NewTicker(limiterIdle)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					rl.Cleanup(limiterIdle)
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
