package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbeat/internal/alerting"
	"coinbeat/internal/metrics"
	"coinbeat/internal/monitor"
	"coinbeat/internal/pool"
	"coinbeat/internal/storage/memory"
	"coinbeat/internal/subscriptions"
	"coinbeat/internal/verification"
)

const (
	adminToken = "admin-secret"
	cronToken  = "cron-secret"
)

type fakeRunner struct {
	calls int
}

func (f *fakeRunner) RunCycle(context.Context, time.Time) (monitor.CycleReport, error) {
	f.calls++
	return monitor.CycleReport{Evaluated: 3, Fired: 1, Suppressed: map[string]int{}}, nil
}

type harness struct {
	store  *memory.Store
	runner *fakeRunner
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	verify := verification.NewService(store, verification.Config{
		PoolSize:         6,
		StakeCost:        2,
		RewardMultiplier: 2,
		Payload:          alerting.PayloadTemplate{Icon: "/icon.png", ClickBaseURL: "/coins"},
	}, nil, m, zerolog.Nop())
	subs := subscriptions.New(store, zerolog.Nop())
	runner := &fakeRunner{}

	srv := New(Options{
		AdminToken: adminToken,
		CronToken:  cronToken,
		PoolPolicy: pool.Policy{MinEggs: 6, VerifiedFresh: 720 * time.Hour},
	}, verify, subs, runner, m, zerolog.Nop())
	return &harness{store: store, runner: runner, server: srv}
}

func (h *harness) do(t *testing.T, method, target, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (h *harness) fund(t *testing.T, userID string, eggs int64) {
	t.Helper()
	_, err := h.store.Credit(context.Background(), userID, eggs)
	require.NoError(t, err)
}

func stakeBody(userID string) string {
	return `{"userId":"` + userID + `","coinId":"coinx","alertType":"migration","proofLink":"https://example.com/` + userID + `"}`
}

const poolBody = `{"coinId":"coinx","alertType":"migration"}`

func TestStakeAndVerifyFlow(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"a", "b", "c"} {
		h.fund(t, u, 2)
		rec, body := h.do(t, http.MethodPost, "/alerts", "", stakeBody(u))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, true, body["created"])
	}

	rec, body := h.do(t, http.MethodPost, "/alerts", "", stakeBody("a"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["updated"])

	rec, body = h.do(t, http.MethodGet, "/alerts?coinId=coinx&alertType=migration", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 6, body["totalEggs"], 0)
	assert.Equal(t, true, body["poolFilled"])

	rec, _ = h.do(t, http.MethodPut, "/alerts", "", poolBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = h.do(t, http.MethodPut, "/alerts", adminToken, poolBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rewards := body["rewards"].([]any)
	require.Len(t, rewards, 3)
	assert.InDelta(t, 4, rewards[0].(map[string]any)["eggsAwarded"], 0)

	rec, body = h.do(t, http.MethodPut, "/alerts", adminToken, poolBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "already verified")

	rec, body = h.do(t, http.MethodGet, "/quota?userId=a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 4, body["eggs"], 0)

	rec, body = h.do(t, http.MethodGet, "/notifications?userId=a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["notifications"], 1)
}

func TestStakeErrors(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/alerts", "", `{"userId":"a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["error"])

	rec, _ = h.do(t, http.MethodPost, "/alerts", "", stakeBody("broke"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerifyUnfilledAndMissingPool(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPut, "/alerts", adminToken, poolBody)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.fund(t, "a", 2)
	h.do(t, http.MethodPost, "/alerts", "", stakeBody("a"))
	rec, _ = h.do(t, http.MethodPut, "/alerts", adminToken, poolBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectAndDelete(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"a", "b"} {
		h.fund(t, u, 2)
		h.do(t, http.MethodPost, "/alerts", "", stakeBody(u))
	}

	rec, body := h.do(t, http.MethodPatch, "/alerts", adminToken, poolBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []any{"a", "b"}, body["notifications"])

	rec, body = h.do(t, http.MethodDelete, "/alerts", adminToken, poolBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 2, body["deleted"], 0)
}

func TestAdminAlertAndPools(t *testing.T) {
	h := newHarness(t)

	body := `{"coinId":"coinx","alertType":"delisting","proofLink":"https://exchange.example/notice"}`
	rec, _ := h.do(t, http.MethodPost, "/admin/alerts", adminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = h.do(t, http.MethodPost, "/admin/alerts", adminToken, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.fund(t, "a", 2)
	h.do(t, http.MethodPost, "/alerts", "", stakeBody("a"))

	rec, decoded := h.do(t, http.MethodGet, "/pools?coinId=coinx", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decoded["pools"], 1, "pending pool below display minimum is hidden")

	rec, decoded = h.do(t, http.MethodGet, "/pools?coinId=coinx&all=true", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decoded["pools"], 2)
}

func TestMonitorRequiresCronToken(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/notifications/monitor", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/notifications/monitor", adminToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/notifications/monitor", cronToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.runner.calls)
	report := body["report"].(map[string]any)
	assert.InDelta(t, 1, report["fired"], 0)
}

func TestUserAlertsAndPreferences(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/user-alerts", "", `{"userId":"u1","coinId":"btc","alertType":"price_drop","thresholdValue":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := h.do(t, http.MethodGet, "/user-alerts?userId=u1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["alerts"], 1)

	rec, _ = h.do(t, http.MethodDelete, "/user-alerts?userId=u1&coinId=btc&alertType=price_drop", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, http.MethodDelete, "/user-alerts?userId=u1&coinId=btc&alertType=price_drop", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/preferences?userId=u1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["importantAndCritical"])

	rec, _ = h.do(t, http.MethodPut, "/preferences", "", `{"userId":"u1","criticalOnly":true,"allNotifications":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodPut, "/preferences", "", `{"userId":"u1","allNotifications":true,"quietHoursEnabled":true,"quietStart":"23:00","quietEnd":"06:00","timezone":"UTC"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "23:00", body["quietStart"])
}

func TestNotificationAckAndHistory(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"a", "b", "c"} {
		h.fund(t, u, 2)
		h.do(t, http.MethodPost, "/alerts", "", stakeBody(u))
	}
	h.do(t, http.MethodPatch, "/alerts", adminToken, poolBody)

	_, body := h.do(t, http.MethodGet, "/notifications/history?userId=a&limit=5", "", "")
	entries := body["notifications"].([]any)
	require.Len(t, entries, 1)
	id := entries[0].(map[string]any)["id"].(string)

	rec, _ := h.do(t, http.MethodPost, "/notifications/"+id+"/ack?userId=a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, body = h.do(t, http.MethodGet, "/notifications/history?userId=a", "", "")
	entries = body["notifications"].([]any)
	assert.Equal(t, "read", entries[0].(map[string]any)["deliveryStatus"])

	rec, _ = h.do(t, http.MethodGet, "/notifications/history?userId=a&limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodDelete, "/notifications?userId=a&coinId=coinx", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, body["deleted"], 0)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	out := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Body.String(), "coinbeat_http_requests_total")
}
