package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"coinbeat/internal/apperr"
	"coinbeat/internal/storage"
	"coinbeat/internal/subscriptions"
)

func (s *Server) upsertWatch(c echo.Context) error {
	var req subscriptions.WatchRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	alert, err := s.subscriptions.UpsertWatch(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "alert": alert})
}

func (s *Server) listWatches(c echo.Context) error {
	alerts, err := s.subscriptions.ListWatches(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) deleteWatch(c echo.Context) error {
	err := s.subscriptions.DeleteWatch(c.Request().Context(),
		c.QueryParam("userId"),
		c.QueryParam("coinId"),
		storage.WatchType(c.QueryParam("alertType")),
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) runMonitor(c echo.Context) error {
	if s.monitor == nil {
		return apperr.InvalidState("monitor not configured")
	}
	report, err := s.monitor.RunCycle(c.Request().Context(), s.now().UTC())
	if err != nil {
		return apperr.Upstream(err, "monitor cycle")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "report": report})
}

func (s *Server) pollNotifications(c echo.Context) error {
	entries, err := s.subscriptions.Poll(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"notifications": entries})
}

func (s *Server) notificationHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apperr.Validation("limit must be an integer")
		}
		limit = n
	}
	entries, err := s.subscriptions.History(c.Request().Context(), c.QueryParam("userId"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"notifications": entries})
}

func (s *Server) acknowledgeNotification(c echo.Context) error {
	if err := s.subscriptions.Acknowledge(c.Request().Context(), c.QueryParam("userId"), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) clearNotifications(c echo.Context) error {
	n, err := s.subscriptions.ClearCoin(c.Request().Context(), c.QueryParam("userId"), c.QueryParam("coinId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

func (s *Server) getPreferences(c echo.Context) error {
	prefs, err := s.subscriptions.Preferences(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prefs)
}

func (s *Server) putPreferences(c echo.Context) error {
	var prefs storage.Preferences
	if err := bindJSON(c, &prefs); err != nil {
		return err
	}
	if prefs.UserID == "" {
		prefs.UserID = c.QueryParam("userId")
	}
	saved, err := s.subscriptions.SavePreferences(c.Request().Context(), prefs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) getQuota(c echo.Context) error {
	entry, err := s.subscriptions.Balance(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}
