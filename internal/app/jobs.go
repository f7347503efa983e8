package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"coinbeat/internal/alerting"
	"coinbeat/internal/storage"
)

// RunMonitorOnce runs a single monitor cycle against the configured database.
func (a *App) RunMonitorOnce(ctx context.Context, out io.Writer) error {
	backend, closeBackend, err := a.openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	mon := a.newMonitor(backend, nil, nil)
	report, err := mon.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(out, "cycle skipped: advisory lock held by another process")
		return nil
	}
	fmt.Fprintf(out, "evaluated=%d fired=%d errors=%d archived=%d purged=%d\n",
		report.Evaluated, report.Fired, report.Errors, report.Archived, report.Purged)
	for reason, n := range report.Suppressed {
		fmt.Fprintf(out, "suppressed[%s]=%d\n", reason, n)
	}
	return nil
}

// Sweep archives stale verified records and purges old notifications.
func (a *App) Sweep(ctx context.Context, out io.Writer) error {
	backend, closeBackend, err := a.openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	report, err := a.newMonitor(backend, nil, nil).Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "archived=%d purged=%d\n", report.Archived, report.Purged)
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// Simulate evaluates one watch against a synthetic coin state and reports the decision the
// dispatcher would take for a user with default preferences.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	if !opts.WatchType.Valid() {
		return fmt.Errorf("unknown watch type %q", opts.WatchType)
	}

	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid --%s: %w", name, err)
		}
		return d, nil
	}
	threshold, err := parse("threshold", opts.Threshold)
	if err != nil {
		return err
	}
	health, err := parse("health", opts.Health)
	if err != nil {
		return err
	}
	consistency, err := parse("consistency", opts.Consistency)
	if err != nil {
		return err
	}
	change, err := parse("change", opts.Change24h)
	if err != nil {
		return err
	}

	watch := storage.UserAlert{UserID: "simulated", CoinID: opts.CoinID, AlertType: opts.WatchType, ThresholdValue: threshold, IsActive: true}
	snap := alerting.Snapshot{
		CoinID:           opts.CoinID,
		MetricsAvailable: true,
		HealthScore:      health,
		ConsistencyScore: consistency,
		PriceChange24h:   change,
		VerifiedTypes:    map[storage.AlertType]bool{storage.AlertType(opts.WatchType): opts.Verified},
	}

	ev := alerting.Evaluate(watch, snap)
	if !ev.Fired {
		fmt.Fprintln(out, "not triggered")
		return nil
	}

	now := time.Now().UTC()
	reason, err := alerting.Admit(watch, storage.DefaultPreferences(watch.UserID), a.newMonitorCooldowns(), time.Time{}, false, now)
	if err != nil {
		return err
	}
	if reason != "" {
		fmt.Fprintf(out, "triggered but suppressed (%s)\n", reason)
		return nil
	}

	payload := a.payloadTemplate().Build(opts.CoinID, string(opts.WatchType), ev.Title, ev.Body)
	fmt.Fprintf(out, "fired: %s\n%s\n", ev.Title, payload.JSON())

	if opts.NotifyOps {
		return a.newOpsNotifier().Notify(ctx, alerting.OpsEvent{
			Kind:      alerting.OpsEventKind("simulation"),
			CoinID:    opts.CoinID,
			AlertType: string(opts.WatchType),
			At:        now,
			Note:      ev.Body,
		})
	}
	return nil
}

func (a *App) newMonitorCooldowns() alerting.Cooldowns {
	n := a.Config.Notifications
	return alerting.Cooldowns{
		Health:      n.HealthCooldown,
		Consistency: n.ConsistencyCooldown,
		PriceDrop:   n.PriceDropCooldown,
		Migration:   n.MigrationCooldown,
		Delisting:   n.DelistingCooldown,
	}
}
