package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/billing"
	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/coordinator"
	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/profile"
	"github.com/soulseer/sessiond/internal/store/sqlite"
	"github.com/soulseer/sessiond/internal/utils"
)

// app holds every long-lived component built from config.
type app struct {
	cfg      *config.Config
	store    lifecycle.Store
	sessions *lifecycle.Manager
	ledger   ledger.Client
	metrics  *monitoring.MetricsCollector
	tracker  *monitoring.Tracker
	coord    *coordinator.Coordinator

	shutdownTracing func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: monitoring.NewMetricsCollector()}

	shutdownTracing, err := monitoring.SetupTracing(ctx, cfg.Monitoring.OTLPEndpoint, cfg.Monitoring.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	a.store, err = openStore(cfg.Storage)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.sessions = lifecycle.NewManager(a.store)

	a.ledger, err = buildLedger(cfg.Ledger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	rates, err := buildProfile(cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.tracker, err = monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.TelemetryEnabled,
		Dir:         cfg.Monitoring.TelemetryDir,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	engine := billing.NewEngine(billing.Config{
		TickPeriod:         cfg.Billing.TickPeriod,
		CheckpointInterval: cfg.Billing.CheckpointInterval,
		DebitTimeout:       cfg.Billing.DebitTimeout,
		LowBalanceWarning:  cfg.Billing.LowBalanceWarning,
	}, a.ledger)

	intervals := make(map[lifecycle.Kind]time.Duration)
	for _, kind := range []lifecycle.Kind{lifecycle.KindChat, lifecycle.KindVoice, lifecycle.KindVideo} {
		intervals[kind] = cfg.CheckpointFor(string(kind))
	}

	a.coord = coordinator.New(coordinator.Config{
		MinimumMinutes:      cfg.Billing.MinimumMinutes,
		PendingExpiry:       cfg.Timeouts.PendingExpiry,
		ConnectGrace:        cfg.Timeouts.ConnectGrace,
		ReconnectGrace:      cfg.Timeouts.ReconnectGrace,
		RecoveryPolicy:      cfg.Recovery.Policy,
		RecoveryGrace:       cfg.Recovery.Grace,
		TickPeriod:          cfg.Billing.TickPeriod,
		CheckpointIntervals: intervals,
	}, coordinator.Deps{
		Lifecycle: a.sessions,
		Billing:   engine,
		Ledger:    a.ledger,
		Profile:   rates,
		Metrics:   a.metrics,
		Tracker:   a.tracker,
	})
	return a, nil
}

func openStore(cfg config.StorageConfig) (lifecycle.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("storage: in-memory store, sessions will not survive a restart")
		return lifecycle.NewMemoryStore(), nil
	default:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		log.Info().Str("path", cfg.Path).Msg("storage: sqlite opened")
		return store, nil
	}
}

func buildLedger(cfg config.LedgerConfig) (ledger.Client, error) {
	switch cfg.Driver {
	case "http":
		log.Info().Str("base_url", cfg.BaseURL).Str("api_key", utils.MaskKey(cfg.APIKey)).Msg("ledger: http")
		return ledger.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	default:
		balances := make(map[string]money.Cents, len(cfg.Balances))
		for user, amount := range cfg.Balances {
			cents, err := money.ParseDollars(amount)
			if err != nil {
				return nil, fmt.Errorf("ledger.balances.%s: %w", user, err)
			}
			balances[user] = cents
		}
		log.Warn().Int("accounts", len(balances)).Msg("ledger: in-memory ledger")
		return ledger.NewMemory(balances), nil
	}
}

func buildProfile(cfg *config.Config) (profile.Resolver, error) {
	if cfg.Profile.Driver == "http" {
		return profile.NewHTTPClient(cfg.Profile.BaseURL, cfg.Profile.APIKey, cfg.Profile.Timeout), nil
	}
	static, err := profile.NewStatic(cfg.Readers)
	if err != nil {
		return nil, fmt.Errorf("readers: %w", err)
	}
	return static, nil
}

// close releases everything in reverse build order.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Shutdown(ctx))
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("shutdown: cleanup errors")
	}
}
