package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"coinbeat/internal/apperr"
	"coinbeat/internal/pool"
	"coinbeat/internal/storage"
	"coinbeat/internal/verification"
)

type poolRequest struct {
	CoinID    string            `json:"coinId"`
	AlertType storage.AlertType `json:"alertType"`
}

func (r poolRequest) key() pool.Key {
	return pool.Key{CoinID: r.CoinID, AlertType: r.AlertType}
}

func bindJSON(c echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

func (s *Server) stakeAlert(c echo.Context) error {
	var req verification.StakeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	res, err := s.verification.Stake(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if res.Updated {
		return c.JSON(http.StatusOK, map[string]any{"updated": true, "alert": res.Record})
	}
	return c.JSON(http.StatusCreated, map[string]any{"created": true, "alert": res.Record})
}

func (s *Server) listAlerts(c echo.Context) error {
	filter := storage.AlertFilter{
		CoinID:    c.QueryParam("coinId"),
		AlertType: storage.AlertType(c.QueryParam("alertType")),
		Status:    storage.AlertStatus(c.QueryParam("status")),
		UserID:    c.QueryParam("userId"),
	}
	view, err := s.verification.ListAlerts(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if filter.AlertType != "" {
		return c.JSON(http.StatusOK, map[string]any{
			"alerts":     view.Records,
			"totalEggs":  view.TotalEggs,
			"poolFilled": view.PoolFilled,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"alerts": view.Records})
}

func (s *Server) verifyPool(c echo.Context) error {
	var req poolRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	rewards, err := s.verification.Verify(c.Request().Context(), req.key())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "rewards": rewards})
}

func (s *Server) rejectPool(c echo.Context) error {
	var req poolRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	notified, err := s.verification.Reject(c.Request().Context(), req.key())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "notifications": notified})
}

func (s *Server) deletePool(c echo.Context) error {
	var req poolRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	n, err := s.verification.Delete(c.Request().Context(), req.key())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

func (s *Server) createAdminAlert(c echo.Context) error {
	var req verification.AdminAlertRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	adminID := c.Request().Header.Get("X-Admin-User")
	if adminID == "" {
		adminID = "admin"
	}
	rec, err := s.verification.CreateAdminAlert(c.Request().Context(), adminID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"created": true, "alert": rec})
}

// listPools returns the display view; all=true skips the display policy.
func (s *Server) listPools(c echo.Context) error {
	pools, err := s.verification.Pools(c.Request().Context(), c.QueryParam("coinId"))
	if err != nil {
		return err
	}
	if c.QueryParam("all") != "true" {
		pools = pool.Visible(pools, s.opts.PoolPolicy, s.now())
	}
	return c.JSON(http.StatusOK, map[string]any{"pools": pools})
}
