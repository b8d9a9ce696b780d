package booking

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/billing"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/reservation"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/telemetry"
)

// ReservationClient is satisfied by reservation.Client (remote) and
// reservation.LocalClient (in-process).
type ReservationClient interface {
	Hold(ctx context.Context, req reservation.HoldRequest, opts reservation.CallOptions) (*reservation.HoldResult, error)
	Confirm(ctx context.Context, req reservation.ConfirmRequest, opts reservation.CallOptions) (*reservation.ConfirmResult, error)
	CancelHold(ctx context.Context, holdKey string, opts reservation.CallOptions) (*reservation.CancelHoldResult, error)
}

type BillingWriter interface {
	PersistBillingLineItem(ctx context.Context, sessionID uuid.UUID, meta billing.Metadata, billedMinutes *int) (*billing.LineItem, error)
}

type Request struct {
	Session                reservation.SessionPayload `json:"session"`
	StartTimeOffsetMinutes *int                       `json:"startTimeOffsetMinutes,omitempty"`
	EndTimeOffsetMinutes   *int                       `json:"endTimeOffsetMinutes,omitempty"`
	TimeZone               string                     `json:"timeZone,omitempty"`
	HoldSeconds            *int                       `json:"holdSeconds,omitempty"`
	Overrides              *billing.Overrides         `json:"overrides,omitempty"`

	IdempotencyKey string `json:"-"`
	BearerToken    string `json:"-"`
}

type Result struct {
	Session reservation.Session    `json:"session"`
	Hold    reservation.HoldResult `json:"hold"`
	CPT     billing.Metadata       `json:"cpt"`
}

// Booking stages, used as the metrics "stage" label.
const (
	stageValidate = "validate"
	stageHold     = "hold"
	stageConfirm  = "confirm"
	stageBilling  = "billing"
	stageNone     = "none"
)

const releaseTimeout = 5 * time.Second

type Orchestrator struct {
	reservations ReservationClient
	billing      BillingWriter
	metrics      *telemetry.BookingMetrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewOrchestrator(reservations ReservationClient, billing BillingWriter, metrics *telemetry.BookingMetrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{reservations: reservations, billing: billing, metrics: metrics, logger: logger, now: time.Now}
}

// BookSession holds the slot, confirms the session and records its billing
// line item. A failed confirm releases the hold; a failed billing write does
// not undo the booking.
func (o *Orchestrator) BookSession(ctx context.Context, req Request) (*Result, error) {
	started := o.now()
	stage := stageValidate
	res, err := o.book(ctx, req, &stage)
	outcome := "ok"
	if err != nil {
		outcome = apierr.CodeOf(err)
		if outcome == "" {
			outcome = apierr.CodeInternal
		}
	} else {
		stage = stageNone
	}
	o.metrics.ObserveBooking(stage, outcome, o.now().Sub(started))
	return res, err
}

func (o *Orchestrator) book(ctx context.Context, req Request, stage *string) (*Result, error) {
	s := req.Session
	if err := validateRequired(s); err != nil {
		return nil, err
	}

	meta := billing.DeriveBillingMetadata(o.billingInput(req), req.Overrides)
	opts := reservation.CallOptions{BearerToken: req.BearerToken, IdempotencyKey: req.IdempotencyKey}
	log := o.logger.With().
		Str("therapist_id", strings.TrimSpace(s.TherapistID)).
		Str("client_id", strings.TrimSpace(s.ClientID)).
		Logger()

	*stage = stageHold
	hold, err := o.reservations.Hold(ctx, reservation.HoldRequest{
		TherapistID:            s.TherapistID,
		ClientID:               s.ClientID,
		StartTime:              s.StartTime,
		EndTime:                s.EndTime,
		SessionID:              s.ID,
		HoldSeconds:            req.HoldSeconds,
		StartTimeOffsetMinutes: req.StartTimeOffsetMinutes,
		EndTimeOffsetMinutes:   req.EndTimeOffsetMinutes,
		TimeZone:               req.TimeZone,
	}, opts)
	if err != nil {
		log.Info().Err(err).Msg("hold rejected")
		return nil, err
	}
	log = log.With().Str("hold_id", hold.HoldID.String()).Logger()

	*stage = stageConfirm
	payload := o.normalizeAudit(s)
	payload.StartTime = hold.StartTime.Format(time.RFC3339Nano)
	payload.EndTime = hold.EndTime.Format(time.RFC3339Nano)

	confirmed, err := o.reservations.Confirm(ctx, reservation.ConfirmRequest{HoldKey: hold.HoldKey, Session: payload}, opts)
	if err != nil {
		o.releaseHold(ctx, hold.HoldKey, req.BearerToken, log)
		log.Info().Err(err).Msg("confirm rejected")
		return nil, err
	}

	session := confirmed.Session
	if confirmed.RoundedDurationMinutes != nil {
		d := *confirmed.RoundedDurationMinutes
		session.DurationMinutes = &d
	}
	log = log.With().Str("session_id", session.ID.String()).Logger()

	*stage = stageBilling
	billed := session.DurationMinutes
	if billed == nil {
		billed = meta.DurationMinutes
	}
	if _, err := o.billing.PersistBillingLineItem(ctx, session.ID, meta, billed); err != nil {
		log.Error().Err(err).Str("code", meta.Code).Msg("session booked but billing line item not persisted")
		return nil, err
	}

	log.Info().Str("code", meta.Code).Strs("modifiers", meta.Modifiers).Msg("session booked")
	return &Result{Session: session, Hold: *hold, CPT: meta}, nil
}

// releaseHold is best effort. It survives cancellation of the request
// context so a timed-out confirm still frees the slot.
func (o *Orchestrator) releaseHold(ctx context.Context, holdKey, bearer string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := o.reservations.CancelHold(ctx, holdKey, reservation.CallOptions{BearerToken: bearer}); err != nil {
		o.metrics.ObserveReleaseFailure()
		log.Warn().Err(err).Msg("failed to release hold after confirm error")
	}
}

func validateRequired(s reservation.SessionPayload) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"therapist_id", s.TherapistID},
		{"client_id", s.ClientID},
		{"start_time", s.StartTime},
		{"end_time", s.EndTime},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return apierr.Validation("missing required session fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// billingInput reads the session times with the same zone rules as the
// hold. Unparseable times leave the duration unknown; the hold rejects them.
func (o *Orchestrator) billingInput(req Request) billing.SessionInput {
	in := billing.SessionInput{}
	if req.Session.SessionType != nil {
		in.SessionType = *req.Session.SessionType
	}
	if req.Session.LocationType != nil {
		in.LocationType = *req.Session.LocationType
	}
	if t, err := reservation.NormalizeTimestamp(req.Session.StartTime, req.TimeZone, req.StartTimeOffsetMinutes); err == nil {
		in.StartTime = t
	}
	if t, err := reservation.NormalizeTimestamp(req.Session.EndTime, req.TimeZone, req.EndTimeOffsetMinutes); err == nil {
		in.EndTime = t
	}
	return in
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// normalizeAudit fills created/updated timestamps (now when absent or
// invalid) and cross-fills the actor fields.
func (o *Orchestrator) normalizeAudit(s reservation.SessionPayload) reservation.SessionPayload {
	now := o.now().UTC()
	stamp := func(raw *string) *string {
		t, ok := reservation.ParseAuditTimestamp(raw)
		if !ok {
			t = now
		}
		v := t.UTC().Format(time.RFC3339Nano)
		return &v
	}
	s.CreatedAt = stamp(s.CreatedAt)
	s.UpdatedAt = stamp(s.UpdatedAt)

	createdBy, updatedBy := trimmedOrNil(s.CreatedBy), trimmedOrNil(s.UpdatedBy)
	if createdBy == nil {
		createdBy = updatedBy
	}
	if updatedBy == nil {
		updatedBy = createdBy
	}
	s.CreatedBy, s.UpdatedBy = createdBy, updatedBy
	return s
}
