// Package subscriptions manages per-user threshold watches, notification preferences,
// the notification inbox and the eggs balance view.
package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinbeat/internal/alerting"
	"coinbeat/internal/apperr"
	"coinbeat/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// WatchRequest creates or updates a threshold watch.
type WatchRequest struct {
	UserID         string              `json:"userId"`
	CoinID         string              `json:"coinId"`
	AlertType      storage.WatchType   `json:"alertType"`
	ThresholdValue decimal.NullDecimal `json:"thresholdValue"`
	IsActive       *bool               `json:"isActive"`
}

// Service wraps the repository with validation for user-facing operations.
type Service struct {
	repo   storage.Repository
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(repo storage.Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "subscriptions").Logger(),
		now:    time.Now,
	}
}

// UpsertWatch creates the watch or replaces its threshold and active flag.
func (s *Service) UpsertWatch(ctx context.Context, req WatchRequest) (storage.UserAlert, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CoinID) == "" || req.AlertType == "" {
		return storage.UserAlert{}, apperr.Validation("userId, coinId and alertType are required")
	}
	if !req.AlertType.Valid() {
		return storage.UserAlert{}, apperr.Validation("unknown alertType %q", req.AlertType)
	}

	threshold := decimal.Zero
	switch req.AlertType {
	case storage.WatchMigration, storage.WatchDelisting:
		// no threshold
	default:
		if !req.ThresholdValue.Valid {
			return storage.UserAlert{}, apperr.Validation("thresholdValue is required for %s", req.AlertType)
		}
		if req.ThresholdValue.Decimal.IsNegative() {
			return storage.UserAlert{}, apperr.Validation("thresholdValue cannot be negative")
		}
		threshold = req.ThresholdValue.Decimal
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := s.now().UTC()
	alert, err := s.repo.UpsertUserAlert(ctx, storage.UserAlert{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		CoinID:         req.CoinID,
		AlertType:      req.AlertType,
		ThresholdValue: threshold,
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return storage.UserAlert{}, apperr.Upstream(err, "save user alert")
	}
	return alert, nil
}

// ListWatches returns the user's watches.
func (s *Service) ListWatches(ctx context.Context, userID string) ([]storage.UserAlert, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	alerts, err := s.repo.ListUserAlerts(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream(err, "list user alerts")
	}
	return alerts, nil
}

// DeleteWatch removes one watch.
func (s *Service) DeleteWatch(ctx context.Context, userID, coinID string, alertType storage.WatchType) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(coinID) == "" || alertType == "" {
		return apperr.Validation("userId, coinId and alertType are required")
	}
	if err := s.repo.DeleteUserAlert(ctx, userID, coinID, alertType); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("no %s alert for %s", alertType, coinID)
		}
		return apperr.Upstream(err, "delete user alert")
	}
	return nil
}

// Preferences returns the stored preferences or the defaults.
func (s *Service) Preferences(ctx context.Context, userID string) (storage.Preferences, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Preferences{}, apperr.Validation("userId is required")
	}
	prefs, err := s.repo.GetPreferences(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultPreferences(userID), nil
	}
	if err != nil {
		return storage.Preferences{}, apperr.Upstream(err, "load preferences")
	}
	return prefs, nil
}

// SavePreferences validates and stores preferences. Writes that do not select exactly one
// tier are rejected.
func (s *Service) SavePreferences(ctx context.Context, prefs storage.Preferences) (storage.Preferences, error) {
	prefs = alerting.NormalizePreferences(prefs)
	if err := alerting.ValidatePreferences(prefs); err != nil {
		return storage.Preferences{}, err
	}
	prefs.UpdatedAt = s.now().UTC()

	saved, err := s.repo.UpsertPreferences(ctx, prefs)
	if err != nil {
		return storage.Preferences{}, apperr.Upstream(err, "save preferences")
	}
	return saved, nil
}

// Poll returns undelivered notifications and marks them delivered.
func (s *Service) Poll(ctx context.Context, userID string) ([]storage.NotificationLogEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	entries, err := s.repo.ClaimPendingNotifications(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream(err, "claim notifications")
	}
	if len(entries) > 0 {
		s.logger.Debug().Str("user_id", userID).Int("count", len(entries)).Msg("notifications delivered")
	}
	return entries, nil
}

// History lists recent notifications of any status. limit is clamped to a sane range.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]storage.NotificationLogEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	entries, err := s.repo.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Upstream(err, "list notifications")
	}
	return entries, nil
}

// Acknowledge marks a notification read.
func (s *Service) Acknowledge(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(id) == "" {
		return apperr.Validation("userId and id are required")
	}
	if err := s.repo.AcknowledgeNotification(ctx, userID, id, s.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("notification %s not found", id)
		}
		return apperr.Upstream(err, "acknowledge notification")
	}
	return nil
}

// ClearCoin deletes the user's notifications for a coin.
func (s *Service) ClearCoin(ctx context.Context, userID, coinID string) (int64, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(coinID) == "" {
		return 0, apperr.Validation("userId and coinId are required")
	}
	n, err := s.repo.DeleteCoinNotifications(ctx, userID, coinID)
	if err != nil {
		return 0, apperr.Upstream(err, "delete notifications")
	}
	return n, nil
}

// Balance returns the user's quota entry. Users without a ledger row have zero eggs.
func (s *Service) Balance(ctx context.Context, userID string) (storage.QuotaEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.QuotaEntry{}, apperr.Validation("userId is required")
	}
	entry, err := s.repo.GetBalance(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.QuotaEntry{UserID: userID, BillingPlan: "free"}, nil
	}
	if err != nil {
		return storage.QuotaEntry{}, apperr.Upstream(err, "load balance")
	}
	return entry, nil
}
