package reservation

import (
	"net/http"
	"time"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
)

var (
	ErrHoldNotFound = apierr.New(http.StatusNotFound, apierr.CodeHoldNotFound, "hold not found")
	ErrHoldExpired  = apierr.New(http.StatusGone, apierr.CodeHoldExpired, "hold expired")
)

const sessionConflictMessage = "session_conflict"

func holdConflict(retryAfter time.Time) error {
	return apierr.Conflict(apierr.CodeHoldConflict, "therapist already has a pending hold during this time", retryAfter)
}

// sessionConflictOnHold is returned when a new hold collides with a
// confirmed session.
func sessionConflictOnHold(retryAfter time.Time) error {
	return apierr.Conflict(apierr.CodeSessionConflict, "therapist already has a session during this time", retryAfter)
}

func sessionConflict(retryAfter time.Time) error {
	return apierr.Conflict(apierr.CodeSessionConflict, sessionConflictMessage, retryAfter)
}
