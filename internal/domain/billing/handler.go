package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleScheduler, auth.RoleTherapist))
	readGroup.GET("/sessions/:id/billing", h.GetLineItem)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/sessions/:id/billing", h.RederiveBilling)
}

type rederiveResponse struct {
	LineItem *LineItem `json:"lineItem"`
	CPT      Metadata  `json:"cpt"`
}

func (h *Handler) GetLineItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apierr.Fail(c, apierr.Validation("invalid session id"), time.Now())
	}
	li, err := h.svc.GetLineItem(c.Request().Context(), id)
	if err != nil {
		return apierr.Fail(c, err, time.Now())
	}
	return apierr.OK(c, http.StatusOK, li)
}

// RederiveBilling accepts an optional Overrides body.
func (h *Handler) RederiveBilling(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apierr.Fail(c, apierr.Validation("invalid session id"), time.Now())
	}

	var overrides *Overrides
	if c.Request().ContentLength != 0 {
		var o Overrides
		if err := c.Bind(&o); err != nil {
			return apierr.Fail(c, apierr.Validation("invalid request body"), time.Now())
		}
		overrides = &o
	}

	li, meta, err := h.svc.RederiveBilling(c.Request().Context(), id, overrides)
	if err != nil {
		return apierr.Fail(c, err, time.Now())
	}
	return apierr.OK(c, http.StatusOK, rederiveResponse{LineItem: li, CPT: meta})
}
