package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinbeat/internal/apperr"
	"coinbeat/internal/storage"
)

// Suppression reasons reported by Admit.
const (
	ReasonCooldown   = "cooldown"
	ReasonTier       = "tier"
	ReasonQuietHours = "quiet_hours"
)

// Cooldowns is the minimum spacing between two notifications of one type for the same
// user and coin.
type Cooldowns struct {
	Health      time.Duration
	Consistency time.Duration
	PriceDrop   time.Duration
	Migration   time.Duration
	Delisting   time.Duration
}

// DefaultCooldowns returns the production windows.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Health:      4 * time.Hour,
		Consistency: 4 * time.Hour,
		PriceDrop:   30 * time.Minute,
		Migration:   24 * time.Hour,
		Delisting:   24 * time.Hour,
	}
}

// For returns the window of a watch type.
func (c Cooldowns) For(t storage.WatchType) time.Duration {
	switch t {
	case storage.WatchHealthScore:
		return c.Health
	case storage.WatchConsistencyScore:
		return c.Consistency
	case storage.WatchPriceDrop:
		return c.PriceDrop
	case storage.WatchMigration:
		return c.Migration
	case storage.WatchDelisting:
		return c.Delisting
	}
	return 0
}

// Snapshot is the state of one coin as seen by a dispatcher cycle.
type Snapshot struct {
	CoinID           string
	MetricsAvailable bool
	HealthScore      decimal.Decimal
	ConsistencyScore decimal.Decimal
	PriceChange24h   decimal.Decimal
	VerifiedTypes    map[storage.AlertType]bool
}

// Evaluation is the outcome of checking a watch against a snapshot.
type Evaluation struct {
	Fired bool
	Title string
	Body  string
}

// Evaluate checks a watch against the snapshot. Metric watches never fire without metrics.
func Evaluate(alert storage.UserAlert, snap Snapshot) Evaluation {
	coin := strings.ToUpper(alert.CoinID)
	threshold := alert.ThresholdValue

	switch alert.AlertType {
	case storage.WatchHealthScore:
		if !snap.MetricsAvailable || !snap.HealthScore.LessThan(threshold) {
			return Evaluation{}
		}
		return Evaluation{
			Fired: true,
			Title: fmt.Sprintf("%s health score alert", coin),
			Body:  fmt.Sprintf("Health score for %s is %s, below your threshold of %s.", coin, snap.HealthScore.StringFixed(1), threshold.String()),
		}
	case storage.WatchConsistencyScore:
		if !snap.MetricsAvailable || !snap.ConsistencyScore.LessThan(threshold) {
			return Evaluation{}
		}
		return Evaluation{
			Fired: true,
			Title: fmt.Sprintf("%s consistency score alert", coin),
			Body:  fmt.Sprintf("Consistency score for %s is %s, below your threshold of %s.", coin, snap.ConsistencyScore.StringFixed(1), threshold.String()),
		}
	case storage.WatchPriceDrop:
		change := snap.PriceChange24h
		if !snap.MetricsAvailable || !change.IsNegative() || !change.Abs().GreaterThan(threshold) {
			return Evaluation{}
		}
		return Evaluation{
			Fired: true,
			Title: fmt.Sprintf("%s price drop", coin),
			Body:  fmt.Sprintf("%s is down %s%% in the last 24h (threshold %s%%).", coin, change.Abs().StringFixed(2), threshold.String()),
		}
	case storage.WatchMigration, storage.WatchDelisting:
		if !snap.VerifiedTypes[storage.AlertType(alert.AlertType)] {
			return Evaluation{}
		}
		label := string(alert.AlertType)
		return Evaluation{
			Fired: true,
			Title: fmt.Sprintf("%s %s alert", coin, label),
			Body:  fmt.Sprintf("A %s of %s has been verified. Check the coin page for details.", label, coin),
		}
	}
	return Evaluation{}
}

// IsCritical reports whether a watch type bypasses quiet hours.
func IsCritical(t storage.WatchType) bool {
	return t == storage.WatchMigration || t == storage.WatchDelisting
}

// TierAllows applies the urgency tier of prefs to a watch type.
func TierAllows(prefs storage.Preferences, t storage.WatchType) bool {
	switch {
	case prefs.AllNotifications:
		return true
	case prefs.ImportantAndCritical:
		return IsCritical(t) || t == storage.WatchHealthScore || t == storage.WatchPriceDrop
	case prefs.CriticalOnly:
		return IsCritical(t)
	}
	return false
}

// InQuietHours reports whether now falls inside the user's quiet window, evaluated in the
// user's timezone. A start after end wraps past midnight.
func InQuietHours(prefs storage.Preferences, now time.Time) (bool, error) {
	if !prefs.QuietHoursEnabled {
		return false, nil
	}
	start, err := parseClock(prefs.QuietStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(prefs.QuietEnd)
	if err != nil {
		return false, err
	}
	loc, err := loadLocation(prefs.Timezone)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return false, nil
	case start < end:
		return minute >= start && minute < end, nil
	default:
		return minute >= start || minute < end, nil
	}
}

// Admit runs the cooldown, tier and quiet-hours gates. It returns the suppression reason,
// or an empty string when the notification may be queued.
func Admit(alert storage.UserAlert, prefs storage.Preferences, cooldowns Cooldowns, last time.Time, hasLast bool, now time.Time) (string, error) {
	if hasLast && now.Sub(last) < cooldowns.For(alert.AlertType) {
		return ReasonCooldown, nil
	}
	if !TierAllows(prefs, alert.AlertType) {
		return ReasonTier, nil
	}
	if !IsCritical(alert.AlertType) {
		quiet, err := InQuietHours(prefs, now)
		if err != nil {
			return "", err
		}
		if quiet {
			return ReasonQuietHours, nil
		}
	}
	return "", nil
}

// ValidatePreferences rejects preference writes that do not select exactly one tier or
// carry malformed quiet hours.
func ValidatePreferences(prefs storage.Preferences) error {
	if strings.TrimSpace(prefs.UserID) == "" {
		return apperr.Validation("userId is required")
	}
	tiers := 0
	for _, set := range []bool{prefs.CriticalOnly, prefs.ImportantAndCritical, prefs.AllNotifications} {
		if set {
			tiers++
		}
	}
	if tiers != 1 {
		return apperr.Validation("exactly one of criticalOnly, importantAndCritical, allNotifications must be set")
	}
	if _, err := parseClock(prefs.QuietStart); err != nil {
		return apperr.Validation("invalid quietStart: %v", err)
	}
	if _, err := parseClock(prefs.QuietEnd); err != nil {
		return apperr.Validation("invalid quietEnd: %v", err)
	}
	if _, err := loadLocation(prefs.Timezone); err != nil {
		return apperr.Validation("invalid timezone: %v", err)
	}
	return nil
}

// NormalizePreferences fills empty quiet-hour fields with defaults.
func NormalizePreferences(prefs storage.Preferences) storage.Preferences {
	def := storage.DefaultPreferences(prefs.UserID)
	if prefs.QuietStart == "" {
		prefs.QuietStart = def.QuietStart
	}
	if prefs.QuietEnd == "" {
		prefs.QuietEnd = def.QuietEnd
	}
	if prefs.Timezone == "" {
		prefs.Timezone = def.Timezone
	}
	return prefs
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
