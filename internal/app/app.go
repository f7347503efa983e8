package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"coinbeat/internal/alerting"
	"coinbeat/internal/config"
	"coinbeat/internal/httpapi"
	"coinbeat/internal/market"
	"coinbeat/internal/metrics"
	"coinbeat/internal/monitor"
	"coinbeat/internal/pool"
	"coinbeat/internal/scheduler"
	"coinbeat/internal/storage"
	"coinbeat/internal/storage/memory"
	"coinbeat/internal/subscriptions"
	"coinbeat/internal/verification"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// ExportOptions hold parameters for exporting pools.
type ExportOptions struct {
	CoinID   string
	PNGPath  string
	CSVPath  string
	MaxPools int
	Archived bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	CoinID string
	All    bool
}

// SimulateOptions describe a synthetic coin state to evaluate a watch against.
type SimulateOptions struct {
	CoinID      string
	WatchType   storage.WatchType
	Threshold   string
	Health      string
	Consistency string
	Change24h   string
	Verified    bool
	NotifyOps   bool
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pgPool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pgPool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openBackend returns the Postgres store, or an in-memory backend when allowMemory is set
// and no DSN is configured.
func (a *App) openBackend(ctx context.Context, allowMemory bool) (storage.Backend, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		return store, closeStore, nil
	}
	if !allowMemory {
		return nil, nil, errors.New("database.dsn not configured")
	}
	a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage, data is lost on exit")
	return memory.New(), func() {}, nil
}

func (a *App) newMetrics() (*metrics.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

func (a *App) newOpsNotifier() alerting.OpsNotifier {
	if a.Config.Ops.Telegram.Enabled {
		cfg := a.Config.Ops.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newSource(m *metrics.Metrics) market.Source {
	if a.Config.Feed.BaseURL == "" {
		a.Logger.Warn().Msg("feed.base_url not configured; metric watches will not fire")
		return nil
	}
	feed := market.NewFeed(market.FeedOptions{
		BaseURL:   a.Config.Feed.BaseURL,
		AccessKey: a.Config.Feed.AccessKey,
		Timeout:   a.Config.Feed.RequestTimeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, m, a.Logger)
	return market.NewCachedSource(feed, a.Config.Feed.CacheTTL, m)
}

func (a *App) payloadTemplate() alerting.PayloadTemplate {
	return alerting.PayloadTemplate{
		Icon:         a.Config.Notifications.Icon,
		ClickBaseURL: a.Config.Notifications.ClickBaseURL,
	}
}

func (a *App) poolPolicy() pool.Policy {
	return pool.Policy{MinEggs: a.Config.Pool.DisplayMin, VerifiedFresh: a.Config.Pool.DisplayWindow}
}

func (a *App) newVerification(backend storage.Backend, m *metrics.Metrics) *verification.Service {
	return verification.NewService(backend, verification.Config{
		PoolSize:         a.Config.Pool.Size,
		StakeCost:        a.Config.Pool.StakeCost,
		RewardMultiplier: a.Config.Pool.RewardMultiplier,
		Payload:          a.payloadTemplate(),
	}, a.newOpsNotifier(), m, a.Logger)
}

func (a *App) newMonitor(backend storage.Backend, m *metrics.Metrics, sched *scheduler.Scheduler) *monitor.Service {
	return monitor.New(backend, a.newSource(m), monitor.Config{
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		Cooldowns:     a.newMonitorCooldowns(),
		Payload:       a.payloadTemplate(),
		DisplayWindow: a.Config.Pool.DisplayWindow,
		Retention:     a.Config.Notifications.Retention,
	}, sched, m, a.Logger)
}

// Serve runs the HTTP API and, when enabled, the in-process monitor scheduler.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, closeBackend, err := a.openBackend(ctx, true)
	if err != nil {
		return err
	}
	defer closeBackend()

	m, err := a.newMetrics()
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if a.Config.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
	}
	mon := a.newMonitor(backend, m, sched)

	server := httpapi.New(httpapi.Options{
		Addr:         a.Config.Server.Addr,
		AdminToken:   a.Config.Server.AdminToken,
		CronToken:    a.Config.Server.CronToken,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		PoolPolicy:   a.poolPolicy(),
	}, a.newVerification(backend, m), subscriptions.New(backend, a.Logger), mon, m, a.Logger)

	if a.Config.Server.AdminToken == "" {
		a.Logger.Warn().Msg("server.admin_token not configured; admin endpoints will reject every request")
	}

	monitorDone := make(chan error, 1)
	if sched != nil {
		go func() {
			a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting monitor scheduler")
			monitorDone <- mon.Run(ctx)
		}()
	} else {
		close(monitorDone)
	}

	err = server.Start(ctx, a.Config.Server.ShutdownTimeout)
	cancel()
	if monErr := <-monitorDone; monErr != nil && !errors.Is(monErr, context.Canceled) {
		a.Logger.Error().Err(monErr).Msg("monitor terminated with error")
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("http server terminated with error")
		return err
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}
