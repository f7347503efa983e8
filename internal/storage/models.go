package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AlertType names the community claim a staked record makes about a coin.
type AlertType string

const (
	AlertMigration AlertType = "migration"
	AlertDelisting AlertType = "delisting"
	AlertRebrand   AlertType = "rebrand"
)

// Valid reports whether t is a known community alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertMigration, AlertDelisting, AlertRebrand:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an AlertRecord.
type AlertStatus string

const (
	StatusPending  AlertStatus = "pending"
	StatusVerified AlertStatus = "verified"
	StatusRejected AlertStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// AlertRecord is one user's staked claim about a coin.
type AlertRecord struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	CoinID        string      `json:"coinId"`
	AlertType     AlertType   `json:"alertType"`
	ProofLink     string      `json:"proofLink"`
	EggsStaked    int64       `json:"eggsStaked"`
	Status        AlertStatus `json:"status"`
	Archived      bool        `json:"archived"`
	AdminAuthored bool        `json:"adminAuthored"`
	NewContract   string      `json:"newContract,omitempty"`
	VerifiedAt    *time.Time  `json:"verifiedAt"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// AlertFilter narrows alert record listings. Zero fields do not filter.
type AlertFilter struct {
	CoinID          string
	AlertType       AlertType
	Status          AlertStatus
	UserID          string
	IncludeArchived bool
}

// QuotaEntry is a user's eggs balance and AI usage quota.
type QuotaEntry struct {
	UserID      string    `json:"userId"`
	Eggs        int64     `json:"eggs"`
	TokensUsed  int64     `json:"tokensUsed"`
	TokensLimit int64     `json:"tokensLimit"`
	BillingPlan string    `json:"billingPlan"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WatchType names the condition a UserAlert monitors.
type WatchType string

const (
	WatchHealthScore      WatchType = "health_score"
	WatchConsistencyScore WatchType = "consistency_score"
	WatchPriceDrop        WatchType = "price_drop"
	WatchMigration        WatchType = "migration"
	WatchDelisting        WatchType = "delisting"
)

// Valid reports whether w is a known watch type.
func (w WatchType) Valid() bool {
	switch w {
	case WatchHealthScore, WatchConsistencyScore, WatchPriceDrop, WatchMigration, WatchDelisting:
		return true
	}
	return false
}

// UserAlert is a user's threshold monitoring rule for one coin.
type UserAlert struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	CoinID         string          `json:"coinId"`
	AlertType      WatchType       `json:"alertType"`
	ThresholdValue decimal.Decimal `json:"thresholdValue"`
	IsActive       bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// DeliveryStatus tracks a notification from queueing to acknowledgement.
type DeliveryStatus string

const (
	DeliveryPendingBrowser DeliveryStatus = "pending_browser"
	DeliveryQueued         DeliveryStatus = "queued"
	DeliverySent           DeliveryStatus = "sent"
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryRead           DeliveryStatus = "read"
)

// Notification types emitted by pool resolution, alongside the WatchType values.
const (
	NotifyAlertVerified = "alert_verified"
	NotifyAlertRejected = "alert_rejected"
)

// NotificationLogEntry is a dispatched or queued notification.
type NotificationLogEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	CoinID         string          `json:"coinId"`
	AlertType      string          `json:"alertType"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DeliveryStatus DeliveryStatus  `json:"deliveryStatus"`
	SentAt         time.Time       `json:"sentAt"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt"`
}

// Preferences holds a user's notification urgency tier and quiet hours.
// Exactly one tier flag is set on a stored row.
type Preferences struct {
	UserID               string    `json:"userId"`
	CriticalOnly         bool      `json:"criticalOnly"`
	ImportantAndCritical bool      `json:"importantAndCritical"`
	AllNotifications     bool      `json:"allNotifications"`
	QuietHoursEnabled    bool      `json:"quietHoursEnabled"`
	QuietStart           string    `json:"quietStart"`
	QuietEnd             string    `json:"quietEnd"`
	Timezone             string    `json:"timezone"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// DefaultPreferences is applied to users without a stored preference row.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:               userID,
		ImportantAndCritical: true,
		QuietStart:           "22:00",
		QuietEnd:             "07:00",
		Timezone:             "UTC",
	}
}
