package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Envelope is the wire shape of every JSON response.
type Envelope struct {
	Success           bool       `json:"success"`
	Data              any        `json:"data,omitempty"`
	Error             string     `json:"error,omitempty"`
	Code              string     `json:"code,omitempty"`
	RetryAfter        *time.Time `json:"retryAfter,omitempty"`
	RetryAfterSeconds *int       `json:"retryAfterSeconds,omitempty"`
}

// FailureEnvelope renders err as a failure envelope evaluated at now.
func FailureEnvelope(err error, now time.Time) Envelope {
	env := Envelope{Success: false, Error: err.Error()}
	if apiErr, ok := As(err); ok {
		env.Code = apiErr.Code
		env.RetryAfter = apiErr.RetryAfter
		env.RetryAfterSeconds = apiErr.RetryAfterSeconds(now)
	}
	return env
}

// OK writes a success envelope wrapping data.
func OK(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// Fail writes err as a failure envelope using its attached status.
func Fail(c echo.Context, err error, now time.Time) error {
	return c.JSON(StatusOf(err), FailureEnvelope(err, now))
}

// FromEnvelope rebuilds an *Error from a failure envelope received over HTTP.
func FromEnvelope(status int, env Envelope) *Error {
	msg := env.Error
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
	}
	e := &Error{Status: status, Code: env.Code, Message: msg}
	if env.RetryAfter != nil {
		ra := env.RetryAfter.UTC()
		e.RetryAfter = &ra
	}
	return e
}

// ErrorHandler renders errors that escape handlers (echo.HTTPError from
// middleware, panics recovered upstream) in the envelope shape.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		env := Envelope{Success: false, Error: http.StatusText(status), Code: CodeInternal}

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			status = he.Code
			env.Error = fmt.Sprintf("%v", he.Message)
			env.Code = ""
			if status == http.StatusUnauthorized {
				env.Code = CodeUnauthorized
			}
		default:
			if apiErr, ok := As(err); ok {
				status = StatusOf(err)
				env = FailureEnvelope(apiErr, time.Now())
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, env)
	}
}
