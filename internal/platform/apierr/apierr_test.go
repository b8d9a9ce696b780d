package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestStatusOf_DefaultsTo500(t *testing.T) {
	if got := StatusOf(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", got)
	}
	if got := StatusOf(&Error{Message: "no status"}); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for zero status, got %d", got)
	}
}

func TestStatusOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("confirm: %w", New(http.StatusGone, CodeHoldExpired, "hold expired"))
	if got := StatusOf(err); got != http.StatusGone {
		t.Errorf("expected 410, got %d", got)
	}
	if got := CodeOf(err); got != CodeHoldExpired {
		t.Errorf("expected %s, got %s", CodeHoldExpired, got)
	}
}

func TestError_MessageFallsBackToWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(inner, http.StatusBadGateway, CodeUpstreamUnavailable)
	if err.Error() != "connection refused" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("expected wrapped error to unwrap")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		retryAfter time.Time
		want       int
	}{
		{"whole seconds", now.Add(90 * time.Second), 90},
		{"rounds up", now.Add(1500 * time.Millisecond), 2},
		{"past floors at zero", now.Add(-time.Minute), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Conflict(CodeHoldConflict, "conflict", tt.retryAfter)
			got := e.RetryAfterSeconds(now)
			if got == nil || *got != tt.want {
				t.Errorf("expected %d, got %v", tt.want, got)
			}
		})
	}

	if New(http.StatusConflict, CodeHoldConflict, "x").RetryAfterSeconds(now) != nil {
		t.Error("expected nil without retry instant")
	}
}

func TestFail_WritesEnvelope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	err := Conflict(CodeSessionConflict, "session_conflict", now.Add(30*time.Minute))
	if ferr := Fail(c, err, now); ferr != nil {
		t.Fatalf("unexpected error: %v", ferr)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success {
		t.Error("expected success=false")
	}
	if env.Error != "session_conflict" || env.Code != CodeSessionConflict {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.RetryAfterSeconds == nil || *env.RetryAfterSeconds != 1800 {
		t.Errorf("expected retryAfterSeconds 1800, got %v", env.RetryAfterSeconds)
	}
}

func TestFromEnvelope(t *testing.T) {
	ra := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	err := FromEnvelope(http.StatusConflict, Envelope{Error: "slot taken", Code: CodeHoldConflict, RetryAfter: &ra})
	if err.Status != http.StatusConflict || err.Code != CodeHoldConflict || err.Message != "slot taken" {
		t.Errorf("unexpected error: %+v", err)
	}
	if err.RetryAfter == nil || !err.RetryAfter.Equal(ra) {
		t.Errorf("expected retry after %v, got %v", ra, err.RetryAfter)
	}

	bare := FromEnvelope(http.StatusBadGateway, Envelope{})
	if bare.Message == "" {
		t.Error("expected generated message for empty envelope")
	}
}

func TestErrorHandler_HTTPError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	ErrorHandler(zerolog.Nop())(echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header"), c)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != "missing authorization header" || env.Code != CodeUnauthorized {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestErrorHandler_PlainError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	ErrorHandler(zerolog.Nop())(errors.New("db down"), c)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
