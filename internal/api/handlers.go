package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"openwhen/internal/reconcile"
	"openwhen/internal/rule"
	"openwhen/internal/store"
	logx "openwhen/pkg/logx"
)

func (s *Server) health(c echo.Context) error {
	h := Health{
		Status:  "ok",
		Version: s.cfg.Version,
		Started: s.started,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg.Health != nil {
		h.Details = s.cfg.Health()
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) listRules(c echo.Context) error {
	order, err := reconcile.ParseOrder(c.QueryParam("order"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	views, err := s.engine.List(c.Request().Context(), order)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, ListResponse{Rules: views})
}

func (s *Server) addRules(c echo.Context) error {
	var req RulesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := s.engine.Add(c.Request().Context(), req.Rules...)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusCreated, RulesResponse{Rules: created})
}

func (s *Server) replaceRules(c echo.Context) error {
	var req RulesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := s.engine.Replace(c.Request().Context(), c.Param("id"), req.Rules...)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, RulesResponse{Rules: created})
}

func (s *Server) cancelRule(c echo.Context) error {
	removed, err := s.engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, CancelResponse{Removed: removed})
}

func (s *Server) openRule(c echo.Context) error {
	res, err := s.engine.OpenNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, OpenResponse{Channel: res.Channel, Fallback: res.ConfirmedFallback})
}

func (s *Server) rebuild(c echo.Context) error {
	var req RebuildRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	rep, err := s.engine.Rebuild(c.Request().Context(), reconcile.RebuildOptions{
		SuppressLateDelivery: req.SuppressLateDelivery,
		Trigger:              reconcile.TriggerManual,
	})
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, ReportFrom(rep))
}

func (s *Server) timers(c echo.Context) error {
	return c.JSON(http.StatusOK, TimersResponse{Timers: s.engine.Timers()})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, rule.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrUnconfirmed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, store.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("api request failed", logx.Err(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
