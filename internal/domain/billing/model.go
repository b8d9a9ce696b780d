package billing

import (
	"time"

	"github.com/google/uuid"
)

// Source records which rule produced a procedure code.
type Source string

const (
	SourceOverride    Source = "override"
	SourceSessionType Source = "session_type"
	SourceFallback    Source = "fallback"
)

// SessionInput is the part of a session the rule engine reads.
type SessionInput struct {
	SessionType  string    `json:"session_type"`
	LocationType string    `json:"location_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// Overrides are manual billing choices supplied by the scheduler.
type Overrides struct {
	CPTCode     string   `json:"cptCode,omitempty"`
	Modifiers   []string `json:"modifiers,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Metadata is the derived billing description of a session. It is computed
// per request and never stored as-is.
type Metadata struct {
	Code            string   `json:"code"`
	Description     string   `json:"description"`
	Modifiers       []string `json:"modifiers"`
	Source          Source   `json:"source"`
	DurationMinutes *int     `json:"durationMinutes"`
}

// Units is the result of the eight-minute rule.
type Units struct {
	Minutes *int `json:"minutes"`
	Units   int  `json:"units"`
}

// LineItem is the primary billing row attached to a session.
type LineItem struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	ProcedureCodeID uuid.UUID `json:"-"`
	ProcedureCode   string    `json:"procedure_code"`
	BilledMinutes   *int      `json:"billed_minutes"`
	Units           int       `json:"units"`
	IsPrimary       bool      `json:"is_primary"`
	Description     string    `json:"description"`
	Modifiers       []string  `json:"modifiers"`
	CreatedAt       time.Time `json:"created_at"`
}

// StoredSession is what RederiveBilling reads back from the sessions table.
type StoredSession struct {
	SessionInput
	ID              uuid.UUID
	Status          string
	DurationMinutes *int
}
