// Package monitor runs the notification dispatcher cycle and the archival sweep.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinbeat/internal/alerting"
	"coinbeat/internal/market"
	"coinbeat/internal/metrics"
	"coinbeat/internal/scheduler"
	"coinbeat/internal/storage"
)

// Config tunes a monitor Service.
type Config struct {
	LockKey       int64
	Cooldowns     alerting.Cooldowns
	Payload       alerting.PayloadTemplate
	DisplayWindow time.Duration
	Retention     time.Duration
}

// CycleReport summarises one RunCycle invocation.
type CycleReport struct {
	Skipped    bool           `json:"skipped"`
	Evaluated  int            `json:"evaluated"`
	Fired      int            `json:"fired"`
	Suppressed map[string]int `json:"suppressed"`
	Errors     int            `json:"errors"`
	Archived   int64          `json:"archived"`
	Purged     int64          `json:"purged"`
	Duration   time.Duration  `json:"durationNs"`
}

// SweepReport summarises one Sweep invocation.
type SweepReport struct {
	Archived int64 `json:"archived"`
	Purged   int64 `json:"purged"`
}

// Service evaluates active user alerts against coin metrics and queues notifications.
type Service struct {
	backend   storage.Backend
	source    market.Source
	locker    storage.AdvisoryLocker
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	cfg       Config
	logger    zerolog.Logger
}

// New constructs the monitor service. sched and m may be nil. The advisory lock is used
// when backend supports it.
func New(backend storage.Backend, source market.Source, cfg Config, sched *scheduler.Scheduler, m *metrics.Metrics, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := backend.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		backend:   backend,
		source:    source,
		locker:    locker,
		scheduler: sched,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Run begins the scheduled monitor loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.RunCycle(ctx, at)
		return err
	})
}

// RunCycle runs one dispatcher pass followed by the sweep. It is skipped when another
// process holds the advisory lock.
func (s *Service) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	report := CycleReport{Suppressed: make(map[string]int)}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("at", now).Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	if err := s.dispatch(ctx, now, &report); err != nil {
		return report, err
	}

	sweep, err := s.Sweep(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
		report.Errors++
	}
	report.Archived = sweep.Archived
	report.Purged = sweep.Purged
	report.Duration = time.Since(started)
	s.metrics.ObserveCycle(report.Duration, report.Errors)

	s.logger.Info().
		Time("at", now).
		Int("evaluated", report.Evaluated).
		Int("fired", report.Fired).
		Int("errors", report.Errors).
		Int64("archived", report.Archived).
		Int64("purged", report.Purged).
		Dur("duration", report.Duration).
		Msg("monitor cycle complete")
	return report, nil
}

// Sweep archives verified records older than the display window and purges notification
// rows past retention.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	if s.cfg.DisplayWindow > 0 {
		n, err := s.backend.ArchiveVerifiedBefore(ctx, now.Add(-s.cfg.DisplayWindow))
		if err != nil {
			return report, fmt.Errorf("archive verified records: %w", err)
		}
		report.Archived = n
	}
	if s.cfg.Retention > 0 {
		n, err := s.backend.DeleteNotificationsBefore(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return report, fmt.Errorf("purge notifications: %w", err)
		}
		report.Purged = n
	}
	return report, nil
}

func (s *Service) dispatch(ctx context.Context, now time.Time, report *CycleReport) error {
	alerts, err := s.backend.ListActiveUserAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list active user alerts: %w", err)
	}

	byCoin := make(map[string][]storage.UserAlert)
	for _, alert := range alerts {
		byCoin[alert.CoinID] = append(byCoin[alert.CoinID], alert)
	}

	snapshots := make(map[string]alerting.Snapshot, len(byCoin))
	prefs := make(map[string]storage.Preferences)

	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Evaluated++

		snap, ok := snapshots[alert.CoinID]
		if !ok {
			snap = s.snapshot(ctx, alert.CoinID, byCoin[alert.CoinID], report)
			snapshots[alert.CoinID] = snap
		}

		ev := alerting.Evaluate(alert, snap)
		if !ev.Fired {
			s.metrics.ObserveNotification(string(alert.AlertType), "not_triggered")
			continue
		}

		userPrefs, ok := prefs[alert.UserID]
		if !ok {
			userPrefs, err = s.preferences(ctx, alert.UserID)
			if err != nil {
				s.itemError(report, alert, err, "load preferences")
				continue
			}
			prefs[alert.UserID] = userPrefs
		}

		last, hasLast, err := s.backend.LastNotificationAt(ctx, alert.UserID, alert.CoinID, string(alert.AlertType))
		if err != nil {
			s.itemError(report, alert, err, "load last notification")
			continue
		}

		reason, err := alerting.Admit(alert, userPrefs, s.cfg.Cooldowns, last, hasLast, now)
		if err != nil {
			s.itemError(report, alert, err, "evaluate gates")
			continue
		}
		if reason != "" {
			report.Suppressed[reason]++
			s.metrics.ObserveNotification(string(alert.AlertType), reason)
			continue
		}

		payload := s.cfg.Payload.Build(alert.CoinID, string(alert.AlertType), ev.Title, ev.Body)
		_, err = s.backend.InsertNotification(ctx, storage.NotificationLogEntry{
			ID:             uuid.NewString(),
			UserID:         alert.UserID,
			CoinID:         alert.CoinID,
			AlertType:      string(alert.AlertType),
			Message:        ev.Body,
			Payload:        payload.JSON(),
			DeliveryStatus: storage.DeliveryPendingBrowser,
			SentAt:         now,
		})
		if err != nil {
			s.itemError(report, alert, err, "queue notification")
			continue
		}
		report.Fired++
		s.metrics.ObserveNotification(string(alert.AlertType), "fired")
		s.logger.Info().
			Str("user_id", alert.UserID).
			Str("coin_id", alert.CoinID).
			Str("alert_type", string(alert.AlertType)).
			Msg("notification queued")
	}
	return nil
}

// snapshot gathers what the dispatcher needs about a coin from the coin's own watches:
// metrics once, fetched only when a metric watch exists, and the verified community
// alert types.
func (s *Service) snapshot(ctx context.Context, coinID string, watches []storage.UserAlert, report *CycleReport) alerting.Snapshot {
	snap := alerting.Snapshot{CoinID: coinID, VerifiedTypes: make(map[storage.AlertType]bool)}

	needMetrics := false
	needVerified := make(map[storage.AlertType]bool)
	for _, a := range watches {
		switch a.AlertType {
		case storage.WatchMigration, storage.WatchDelisting:
			needVerified[storage.AlertType(a.AlertType)] = true
		default:
			needMetrics = true
		}
	}

	if needMetrics && s.source != nil {
		doc, err := s.source.CoinMetrics(ctx, coinID)
		if err != nil {
			report.Errors++
			s.logger.Warn().Err(err).Str("coin_id", coinID).Msg("coin metrics unavailable")
		} else {
			snap.MetricsAvailable = true
			snap.HealthScore = doc.HealthScore
			snap.ConsistencyScore = doc.ConsistencyScore
			snap.PriceChange24h = doc.PriceChange24h
		}
	}

	for alertType := range needVerified {
		verified, err := s.backend.HasVerifiedRecord(ctx, coinID, alertType)
		if err != nil {
			report.Errors++
			s.logger.Warn().Err(err).Str("coin_id", coinID).Str("alert_type", string(alertType)).Msg("verified lookup failed")
			continue
		}
		snap.VerifiedTypes[alertType] = verified
	}
	return snap
}

func (s *Service) preferences(ctx context.Context, userID string) (storage.Preferences, error) {
	prefs, err := s.backend.GetPreferences(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultPreferences(userID), nil
	}
	return prefs, err
}

func (s *Service) itemError(report *CycleReport, alert storage.UserAlert, err error, step string) {
	report.Errors++
	s.logger.Error().Err(err).
		Str("user_id", alert.UserID).
		Str("coin_id", alert.CoinID).
		Str("alert_type", string(alert.AlertType)).
		Msg(step + " failed")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.cfg.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.cfg.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
