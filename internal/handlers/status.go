package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/auth"
	"github.com/threadline/threadline/internal/messenger"
	"github.com/threadline/threadline/internal/version"
)

// StatusHandler exposes gateway processing counters to authenticated admins.
type StatusHandler struct {
	logger  *slog.Logger
	gateway *messenger.Gateway
}

func NewStatusHandler(log *slog.Logger, gateway *messenger.Gateway) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{
		logger:  log.With(slog.String("handler", "status")),
		gateway: gateway,
	}
}

func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/admin/status", h.Status)
}

func (h *StatusHandler) Status(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}

	stats := h.gateway.Stats()
	h.logger.Debug("status requested", slog.String("user_id", userID))

	return c.JSON(http.StatusOK, map[string]any{
		"version":        version.GetInfo(),
		"uptime_seconds": int64(time.Since(stats.StartedAt).Seconds()),
		"events":         stats,
	})
}
