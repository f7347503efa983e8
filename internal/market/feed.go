// Package market reads per-coin health metrics from the CDN feed.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinbeat/internal/metrics"
)

// ErrCoinNotFound is returned when the feed has no document for a coin.
var ErrCoinNotFound = errors.New("market: coin not found")

// CoinMetrics is the subset of a coin document the dispatcher evaluates.
type CoinMetrics struct {
	CoinID           string          `json:"id"`
	Symbol           string          `json:"symbol"`
	HealthScore      decimal.Decimal `json:"healthScore"`
	ConsistencyScore decimal.Decimal `json:"consistencyScore"`
	PriceChange24h   decimal.Decimal `json:"priceChange24h"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Source retrieves current metrics for a coin.
type Source interface {
	CoinMetrics(ctx context.Context, coinID string) (CoinMetrics, error)
}

// FeedOptions parameterise the CDN client.
type FeedOptions struct {
	BaseURL   string
	AccessKey string
	Timeout   time.Duration
	UserAgent string
}

// Feed fetches `{base}/coins/{coinId}.json` documents.
type Feed struct {
	opts    FeedOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	metrics *metrics.Metrics
}

// NewFeed constructs a feed client. m may be nil.
func NewFeed(opts FeedOptions, m *metrics.Metrics, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Feed{
		opts:    opts,
		logger:  logger.With().Str("component", "market_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		metrics: m,
	}
}

// CoinMetrics fetches the coin document and decodes its metrics.
func (f *Feed) CoinMetrics(ctx context.Context, coinID string) (CoinMetrics, error) {
	if f.baseURL == "" {
		return CoinMetrics{}, errors.New("feed base url not configured")
	}
	if strings.TrimSpace(coinID) == "" {
		return CoinMetrics{}, errors.New("coin id required")
	}

	endpoint := fmt.Sprintf("%s/coins/%s.json", f.baseURL, url.PathEscape(coinID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CoinMetrics{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "coinbeat/1.0")
	}
	if f.opts.AccessKey != "" {
		req.Header.Set("AccessKey", f.opts.AccessKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.ObserveFeedRequest("error")
		return CoinMetrics{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		f.metrics.ObserveFeedRequest("error")
		return CoinMetrics{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		f.metrics.ObserveFeedRequest("not_found")
		return CoinMetrics{}, fmt.Errorf("%w: %s", ErrCoinNotFound, coinID)
	default:
		f.metrics.ObserveFeedRequest("error")
		return CoinMetrics{}, parseHTTPError(resp.StatusCode, payload)
	}

	var doc CoinMetrics
	if err := json.Unmarshal(payload, &doc); err != nil {
		f.metrics.ObserveFeedRequest("error")
		return CoinMetrics{}, fmt.Errorf("decode coin %s: %w", coinID, err)
	}
	if doc.CoinID == "" {
		doc.CoinID = coinID
	}

	f.metrics.ObserveFeedRequest("ok")
	f.logger.Debug().
		Str("coin_id", coinID).
		Str("health", doc.HealthScore.String()).
		Str("change_24h", doc.PriceChange24h.String()).
		Msg("coin metrics fetched")
	return doc, nil
}

type errorResponse struct {
	Message string `json:"Message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ Source = (*Feed)(nil)
