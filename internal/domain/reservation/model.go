package reservation

import (
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no-show"
)

var validStatuses = map[string]bool{
	StatusScheduled: true, StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
}

// Hold is a time-boxed claim on a therapist's calendar.
type Hold struct {
	ID          uuid.UUID  `json:"id"`
	HoldKey     string     `json:"hold_key"`
	TherapistID uuid.UUID  `json:"therapist_id"`
	ClientID    uuid.UUID  `json:"client_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	ExpiresAt   time.Time  `json:"expires_at"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   *string    `json:"created_by,omitempty"`
}

// Expired reports whether the hold is inert at now. A hold is still valid
// at exactly its expiry instant.
func (h *Hold) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

func (h *Hold) overlaps(start, end time.Time) bool {
	return h.StartTime.Before(end) && start.Before(h.EndTime)
}

// Session is a confirmed appointment.
type Session struct {
	ID                 uuid.UUID  `json:"id"`
	TherapistID        uuid.UUID  `json:"therapist_id"`
	ClientID           uuid.UUID  `json:"client_id"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	Status             string     `json:"status"`
	Notes              *string    `json:"notes,omitempty"`
	SessionType        *string    `json:"session_type,omitempty"`
	LocationType       *string    `json:"location_type,omitempty"`
	DurationMinutes    *int       `json:"duration_minutes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CreatedBy          *string    `json:"created_by,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	UpdatedBy          *string    `json:"updated_by,omitempty"`
}

func (s *Session) overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// HoldRequest is the body of a hold call. Times are RFC3339, or naive local
// timestamps interpreted in TimeZone or with the offset minutes.
type HoldRequest struct {
	TherapistID            string `json:"therapist_id"`
	ClientID               string `json:"client_id"`
	StartTime              string `json:"start_time"`
	EndTime                string `json:"end_time"`
	SessionID              string `json:"session_id,omitempty"`
	HoldSeconds            *int   `json:"hold_seconds,omitempty"`
	StartTimeOffsetMinutes *int   `json:"start_time_offset_minutes,omitempty"`
	EndTimeOffsetMinutes   *int   `json:"end_time_offset_minutes,omitempty"`
	TimeZone               string `json:"time_zone,omitempty"`
}

// HoldSummary describes one created hold.
type HoldSummary struct {
	HoldKey   string    `json:"holdKey"`
	HoldID    uuid.UUID `json:"holdId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HoldResult is returned by a successful hold.
type HoldResult struct {
	HoldKey   string        `json:"holdKey"`
	HoldID    uuid.UUID     `json:"holdId"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Holds     []HoldSummary `json:"holds,omitempty"`
}

// SessionPayload is the caller's description of the session to confirm.
// Audit timestamps are accepted as strings and normalized server-side.
type SessionPayload struct {
	ID              string  `json:"id,omitempty"`
	TherapistID     string  `json:"therapist_id"`
	ClientID        string  `json:"client_id"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time"`
	Status          string  `json:"status,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	SessionType     *string `json:"session_type,omitempty"`
	LocationType    *string `json:"location_type,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	CreatedAt       *string `json:"created_at,omitempty"`
	CreatedBy       *string `json:"created_by,omitempty"`
	UpdatedAt       *string `json:"updated_at,omitempty"`
	UpdatedBy       *string `json:"updated_by,omitempty"`
}

// ConfirmRequest turns the hold named by HoldKey into a session.
type ConfirmRequest struct {
	HoldKey string         `json:"hold_key"`
	Session SessionPayload `json:"session"`
}

// ConfirmResult carries the confirmed session and its rounded duration.
type ConfirmResult struct {
	Session                Session   `json:"session"`
	Sessions               []Session `json:"sessions,omitempty"`
	RoundedDurationMinutes *int      `json:"roundedDurationMinutes,omitempty"`
}

// CancelHoldResult reports whether a live hold was released.
type CancelHoldResult struct {
	Released bool  `json:"released"`
	Hold     *Hold `json:"hold,omitempty"`
}

// CancelSessionsRequest names the sessions to cancel.
type CancelSessionsRequest struct {
	SessionIDs []string `json:"session_ids"`
	Reason     string   `json:"reason"`
}

// CancelSessionsResult splits the requested ids by outcome.
type CancelSessionsResult struct {
	CancelledCount             int         `json:"cancelledCount"`
	AlreadyCancelledCount      int         `json:"alreadyCancelledCount"`
	CancelledSessionIDs        []uuid.UUID `json:"cancelledSessionIds"`
	AlreadyCancelledSessionIDs []uuid.UUID `json:"alreadyCancelledSessionIds"`
}

// CallOptions carries per-call metadata for reservation clients.
type CallOptions struct {
	BearerToken    string
	IdempotencyKey string
}
