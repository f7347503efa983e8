package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpsEventKind names an admin-facing pool event.
type OpsEventKind string

const (
	OpsPoolReady    OpsEventKind = "pool_ready"
	OpsPoolVerified OpsEventKind = "pool_verified"
	OpsPoolRejected OpsEventKind = "pool_rejected"
	OpsAdminAlert   OpsEventKind = "admin_alert"
)

// OpsEvent describes a pool transition worth an operator's attention.
type OpsEvent struct {
	Kind      OpsEventKind
	CoinID    string
	AlertType string
	TotalEggs int64
	PoolSize  int64
	Members   int
	At        time.Time
	Note      string
}

// OpsNotifier delivers ops events to an operator channel.
type OpsNotifier interface {
	Notify(ctx context.Context, event OpsEvent) error
}

// TelegramNotifier posts ops events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram ops notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "ops_telegram").Logger(),
	}
}

// Notify calls sendMessage with a rendered event.
func (n *TelegramNotifier) Notify(ctx context.Context, event OpsEvent) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderOpsEvent(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("kind", string(event.Kind)).
		Str("coin_id", event.CoinID).
		Str("alert_type", event.AlertType).
		Msg("ops event sent")
	return nil
}

func renderOpsEvent(event OpsEvent) string {
	var b strings.Builder
	switch event.Kind {
	case OpsPoolReady:
		b.WriteString("[CoinBeat] Pool ready for review\n")
	case OpsPoolVerified:
		b.WriteString("[CoinBeat] Pool verified\n")
	case OpsPoolRejected:
		b.WriteString("[CoinBeat] Pool rejected\n")
	case OpsAdminAlert:
		b.WriteString("[CoinBeat] Admin alert published\n")
	default:
		b.WriteString("[CoinBeat] Pool event\n")
	}
	fmt.Fprintf(&b, "Coin: %s\n", event.CoinID)
	fmt.Fprintf(&b, "Type: %s\n", event.AlertType)
	if event.PoolSize > 0 {
		fmt.Fprintf(&b, "Eggs: %d/%d from %d members\n", event.TotalEggs, event.PoolSize, event.Members)
	}
	if !event.At.IsZero() {
		fmt.Fprintf(&b, "At: %s UTC\n", event.At.UTC().Format(time.RFC3339))
	}
	if event.Note != "" {
		b.WriteString(event.Note)
	}
	return b.String()
}

// LogNotifier writes ops events to the log when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "ops_log").Logger()}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, event OpsEvent) error {
	n.logger.Info().
		Str("kind", string(event.Kind)).
		Str("coin_id", event.CoinID).
		Str("alert_type", event.AlertType).
		Int64("total_eggs", event.TotalEggs).
		Int("members", event.Members).
		Msg("ops event")
	return nil
}

var (
	_ OpsNotifier = (*TelegramNotifier)(nil)
	_ OpsNotifier = (*LogNotifier)(nil)
)
