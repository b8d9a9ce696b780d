package reservation

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/auth"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reservations", auth.RequireRole(auth.RoleTherapist, auth.RoleScheduler))
	g.POST("/hold", h.Hold)
	g.POST("/confirm", h.Confirm)
	g.POST("/cancel", h.Cancel)
}

func idempotencyKey(c echo.Context) string {
	key := strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader))
	if key != "" {
		c.Response().Header().Set(IdempotencyKeyHeader, key)
	}
	return key
}

func (h *Handler) Hold(c echo.Context) error {
	var req HoldRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Fail(c, apierr.Validation("invalid request body"), h.svc.Now())
	}
	res, err := h.svc.CreateHold(c.Request().Context(), req, idempotencyKey(c))
	if err != nil {
		return apierr.Fail(c, err, h.svc.Now())
	}
	return apierr.OK(c, http.StatusOK, res)
}

func (h *Handler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Fail(c, apierr.Validation("invalid request body"), h.svc.Now())
	}
	res, err := h.svc.ConfirmHold(c.Request().Context(), req, idempotencyKey(c))
	if err != nil {
		return apierr.Fail(c, err, h.svc.Now())
	}
	return apierr.OK(c, http.StatusOK, res)
}

type cancelRequest struct {
	HoldKey    string   `json:"hold_key"`
	SessionIDs []string `json:"session_ids"`
	Reason     string   `json:"reason"`
}

// Cancel releases a hold ({hold_key}) or cancels sessions ({session_ids, reason}).
func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Fail(c, apierr.Validation("invalid request body"), h.svc.Now())
	}
	ctx := c.Request().Context()
	key := idempotencyKey(c)

	hasHold := strings.TrimSpace(req.HoldKey) != ""
	switch {
	case hasHold && len(req.SessionIDs) > 0:
		return apierr.Fail(c, apierr.Validation("provide either hold_key or session_ids, not both"), h.svc.Now())
	case hasHold:
		res, err := h.svc.CancelHold(ctx, req.HoldKey, key)
		if err != nil {
			return apierr.Fail(c, err, h.svc.Now())
		}
		return apierr.OK(c, http.StatusOK, res)
	case len(req.SessionIDs) > 0:
		res, err := h.svc.CancelSessions(ctx, CancelSessionsRequest{SessionIDs: req.SessionIDs, Reason: req.Reason}, key)
		if err != nil {
			return apierr.Fail(c, err, h.svc.Now())
		}
		return apierr.OK(c, http.StatusOK, res)
	default:
		return apierr.Fail(c, apierr.Validation("hold_key or session_ids is required"), h.svc.Now())
	}
}
