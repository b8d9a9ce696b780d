package booking

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/reservation"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/auth"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Path is the booking route relative to the API group.
const Path = "/bookings"

// RegisterRoutes mounts /bookings for every method so non-POST requests get
// an envelope-shaped 405 instead of the router default. The method check runs
// ahead of the role check.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.Any(Path, h.Book, requirePost, auth.RequireRole(auth.RoleTherapist, auth.RoleScheduler))
}

// MethodGuard answers non-POST requests to path with a 405 before routing,
// so the answer does not depend on authentication. Preflight requests pass
// through to CORS.
func MethodGuard(path string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := requirePost(next)
		return func(c echo.Context) error {
			r := c.Request()
			if r.Method == http.MethodOptions || strings.TrimSuffix(r.URL.Path, "/") != path {
				return next(c)
			}
			return guarded(c)
		}
	}
}

func requirePost(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method != http.MethodPost {
			c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
			return apierr.Fail(c, apierr.New(http.StatusMethodNotAllowed, apierr.CodeMethodNotAllowed, "method not allowed"), time.Now())
		}
		return next(c)
	}
}

func (h *Handler) Book(c echo.Context) error {
	now := time.Now()
	token := auth.TokenFromContext(c.Request().Context())
	if token == "" {
		token = auth.BearerToken(c.Request())
	}
	if token == "" {
		return apierr.Fail(c, apierr.New(http.StatusUnauthorized, apierr.CodeUnauthorized, "missing bearer token"), now)
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return apierr.Fail(c, apierr.Validation("invalid request body"), now)
	}
	req.BearerToken = token
	req.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get(reservation.IdempotencyKeyHeader))
	if req.IdempotencyKey != "" {
		c.Response().Header().Set(reservation.IdempotencyKeyHeader, req.IdempotencyKey)
	}

	res, err := h.orch.BookSession(c.Request().Context(), req)
	if err != nil {
		return apierr.Fail(c, err, time.Now())
	}
	return apierr.OK(c, http.StatusOK, res)
}
