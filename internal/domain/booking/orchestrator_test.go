package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/billing"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/reservation"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/telemetry"
)

var (
	therapistID = uuid.MustParse("0c9f4a5e-5a63-4f3e-8f2a-7d1b2c3d0001")
	clientID    = uuid.MustParse("0c9f4a5e-5a63-4f3e-8f2a-7d1b2c3d0002")
	sessionID   = uuid.MustParse("0c9f4a5e-5a63-4f3e-8f2a-7d1b2c3d0003")
)

type fakeReservations struct {
	mu sync.Mutex

	holdErr    error
	confirmErr error
	cancelErr  error
	rounded    *int

	holdCalls    []reservation.HoldRequest
	confirmCalls []reservation.ConfirmRequest
	cancelCalls  []string
	opts         []reservation.CallOptions
}

func (f *fakeReservations) Hold(_ context.Context, req reservation.HoldRequest, opts reservation.CallOptions) (*reservation.HoldResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdCalls = append(f.holdCalls, req)
	f.opts = append(f.opts, opts)
	if f.holdErr != nil {
		return nil, f.holdErr
	}
	start, err := reservation.NormalizeTimestamp(req.StartTime, req.TimeZone, req.StartTimeOffsetMinutes)
	if err != nil {
		return nil, apierr.Validation("start_time: %v", err)
	}
	end, err := reservation.NormalizeTimestamp(req.EndTime, req.TimeZone, req.EndTimeOffsetMinutes)
	if err != nil {
		return nil, apierr.Validation("end_time: %v", err)
	}
	return &reservation.HoldResult{
		HoldKey:   "hold-key-1",
		HoldID:    uuid.MustParse("0c9f4a5e-5a63-4f3e-8f2a-7d1b2c3d00aa"),
		StartTime: start,
		EndTime:   end,
		ExpiresAt: start.Add(-time.Hour),
	}, nil
}

func (f *fakeReservations) Confirm(_ context.Context, req reservation.ConfirmRequest, opts reservation.CallOptions) (*reservation.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls = append(f.confirmCalls, req)
	f.opts = append(f.opts, opts)
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	start, _ := time.Parse(time.RFC3339Nano, req.Session.StartTime)
	end, _ := time.Parse(time.RFC3339Nano, req.Session.EndTime)
	return &reservation.ConfirmResult{
		Session: reservation.Session{
			ID:              sessionID,
			TherapistID:     therapistID,
			ClientID:        clientID,
			StartTime:       start,
			EndTime:         end,
			Status:          reservation.StatusScheduled,
			SessionType:     req.Session.SessionType,
			LocationType:    req.Session.LocationType,
			DurationMinutes: req.Session.DurationMinutes,
		},
		RoundedDurationMinutes: f.rounded,
	}, nil
}

func (f *fakeReservations) CancelHold(_ context.Context, holdKey string, opts reservation.CallOptions) (*reservation.CancelHoldResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, holdKey)
	f.opts = append(f.opts, opts)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &reservation.CancelHoldResult{Released: true}, nil
}

type billingCall struct {
	sessionID uuid.UUID
	meta      billing.Metadata
	billed    *int
}

type fakeBilling struct {
	err   error
	calls []billingCall
}

func (f *fakeBilling) PersistBillingLineItem(_ context.Context, id uuid.UUID, meta billing.Metadata, billed *int) (*billing.LineItem, error) {
	f.calls = append(f.calls, billingCall{sessionID: id, meta: meta, billed: billed})
	if f.err != nil {
		return nil, f.err
	}
	return &billing.LineItem{ID: uuid.New(), SessionID: id, ProcedureCode: meta.Code, BilledMinutes: billed, IsPrimary: true}, nil
}

type orchFixture struct {
	orch         *Orchestrator
	reservations *fakeReservations
	billing      *fakeBilling
	reg          *prometheus.Registry
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	res := &fakeReservations{}
	bill := &fakeBilling{}
	reg := prometheus.NewRegistry()
	orch := NewOrchestrator(res, bill, telemetry.NewBookingMetrics(reg), zerolog.Nop())
	orch.now = func() time.Time { return time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC) }
	return &orchFixture{orch: orch, reservations: res, billing: bill, reg: reg}
}

func (fx *orchFixture) assertBooking(t *testing.T, stage, outcome string) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP scheduler_booking_bookings_total Booking attempts by failing stage ("none" on success) and outcome
# TYPE scheduler_booking_bookings_total counter
scheduler_booking_bookings_total{outcome=%q,stage=%q} 1
`, outcome, stage)
	if err := testutil.GatherAndCompare(fx.reg, strings.NewReader(expected), "scheduler_booking_bookings_total"); err != nil {
		t.Error(err)
	}
}

func (fx *orchFixture) assertReleaseFailures(t *testing.T, n int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP scheduler_booking_hold_release_failures_total Best-effort hold releases that failed after a confirm error
# TYPE scheduler_booking_hold_release_failures_total counter
scheduler_booking_hold_release_failures_total %d
`, n)
	if err := testutil.GatherAndCompare(fx.reg, strings.NewReader(expected), "scheduler_booking_hold_release_failures_total"); err != nil {
		t.Error(err)
	}
}

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func bookingRequest() Request {
	return Request{
		Session: reservation.SessionPayload{
			TherapistID:  therapistID.String(),
			ClientID:     clientID.String(),
			StartTime:    "2025-03-03T10:00:00Z",
			EndTime:      "2025-03-03T11:00:00Z",
			SessionType:  strPtr("group"),
			LocationType: strPtr("Telehealth"),
		},
		IdempotencyKey: "book-1",
		BearerToken:    "token-abc",
	}
}

func TestBookSession_HappyPath(t *testing.T) {
	fx := newOrchFixture(t)
	fx.reservations.rounded = intPtr(60)

	res, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.NoError(t, err)

	assert.Equal(t, sessionID, res.Session.ID)
	assert.Equal(t, "hold-key-1", res.Hold.HoldKey)
	assert.Equal(t, "97154", res.CPT.Code)
	assert.Equal(t, []string{"HQ", "95"}, res.CPT.Modifiers)
	assert.Equal(t, billing.SourceSessionType, res.CPT.Source)
	require.NotNil(t, res.Session.DurationMinutes)
	assert.Equal(t, 60, *res.Session.DurationMinutes)

	require.Len(t, fx.billing.calls, 1)
	call := fx.billing.calls[0]
	assert.Equal(t, sessionID, call.sessionID)
	require.NotNil(t, call.billed)
	assert.Equal(t, 60, *call.billed)

	require.Len(t, fx.reservations.confirmCalls, 1)
	confirm := fx.reservations.confirmCalls[0]
	assert.Equal(t, "hold-key-1", confirm.HoldKey)
	assert.Equal(t, "2025-03-03T10:00:00Z", confirm.Session.StartTime)
	assert.Equal(t, "2025-03-03T11:00:00Z", confirm.Session.EndTime)
	assert.Empty(t, fx.reservations.cancelCalls)

	for _, o := range fx.reservations.opts {
		assert.Equal(t, "book-1", o.IdempotencyKey)
		assert.Equal(t, "token-abc", o.BearerToken)
	}
}

func TestBookSession_ForwardsZoneAndOffsets(t *testing.T) {
	fx := newOrchFixture(t)
	req := bookingRequest()
	req.Session.StartTime = "2025-03-03 09:00"
	req.Session.EndTime = "2025-03-03 10:30"
	req.TimeZone = "America/New_York"
	req.HoldSeconds = intPtr(120)

	res, err := fx.orch.BookSession(context.Background(), req)
	require.NoError(t, err)

	hold := fx.reservations.holdCalls[0]
	assert.Equal(t, "America/New_York", hold.TimeZone)
	require.NotNil(t, hold.HoldSeconds)
	assert.Equal(t, 120, *hold.HoldSeconds)

	// Confirm receives the hold's normalized instants, not the raw local times.
	confirm := fx.reservations.confirmCalls[0]
	assert.Equal(t, "2025-03-03T14:00:00Z", confirm.Session.StartTime)
	assert.Equal(t, "2025-03-03T15:30:00Z", confirm.Session.EndTime)

	require.NotNil(t, res.CPT.DurationMinutes)
	assert.Equal(t, 90, *res.CPT.DurationMinutes)
	// No rounded duration from confirm, so billing falls back to the derived one.
	require.NotNil(t, fx.billing.calls[0].billed)
	assert.Equal(t, 90, *fx.billing.calls[0].billed)
}

func TestBookSession_MissingFields(t *testing.T) {
	fx := newOrchFixture(t)
	req := bookingRequest()
	req.Session.ClientID = "  "
	req.Session.EndTime = ""

	_, err := fx.orch.BookSession(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apierr.StatusOf(err))
	assert.Contains(t, err.Error(), "client_id, end_time")
	assert.Empty(t, fx.reservations.holdCalls)
	fx.assertBooking(t, stageValidate, apierr.CodeValidation)
}

func TestBookSession_HoldConflictPropagates(t *testing.T) {
	fx := newOrchFixture(t)
	conflict := apierr.Conflict(apierr.CodeHoldConflict, "therapist already has a hold during this time", time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC))
	fx.reservations.holdErr = conflict

	_, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.ErrorIs(t, err, conflict)
	assert.Empty(t, fx.reservations.confirmCalls)
	assert.Empty(t, fx.reservations.cancelCalls)
	assert.Empty(t, fx.billing.calls)
	fx.assertBooking(t, stageHold, apierr.CodeHoldConflict)
}

func TestBookSession_ConfirmFailureReleasesHold(t *testing.T) {
	fx := newOrchFixture(t)
	fx.reservations.confirmErr = apierr.New(http.StatusGone, apierr.CodeHoldExpired, "hold expired")

	_, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.Error(t, err)
	assert.Equal(t, http.StatusGone, apierr.StatusOf(err))

	require.Equal(t, []string{"hold-key-1"}, fx.reservations.cancelCalls)
	release := fx.reservations.opts[len(fx.reservations.opts)-1]
	assert.Equal(t, "token-abc", release.BearerToken)
	assert.Empty(t, release.IdempotencyKey)
	assert.Empty(t, fx.billing.calls)
	fx.assertBooking(t, stageConfirm, apierr.CodeHoldExpired)
	fx.assertReleaseFailures(t, 0)
}

func TestBookSession_ReleaseFailureKeepsConfirmError(t *testing.T) {
	fx := newOrchFixture(t)
	confirmErr := apierr.Conflict(apierr.CodeSessionConflict, "session_conflict", time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC))
	fx.reservations.confirmErr = confirmErr
	fx.reservations.cancelErr = errors.New("connection reset")

	_, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.ErrorIs(t, err, confirmErr)
	fx.assertReleaseFailures(t, 1)
}

func TestBookSession_ReleaseSurvivesCancelledContext(t *testing.T) {
	fx := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	fx.reservations.confirmErr = context.Canceled
	cancel()

	_, err := fx.orch.BookSession(ctx, bookingRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fx.reservations.cancelCalls, 1)
}

func TestBookSession_BillingFailureIsNotRolledBack(t *testing.T) {
	fx := newOrchFixture(t)
	fx.reservations.rounded = intPtr(60)
	persistErr := apierr.Wrap(fmt.Errorf("insert line item: %w", errors.New("disk full")), http.StatusInternalServerError, apierr.CodePersistenceFailed)
	fx.billing.err = persistErr

	_, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.ErrorIs(t, err, persistErr)
	assert.Equal(t, apierr.CodePersistenceFailed, apierr.CodeOf(err))
	assert.Empty(t, fx.reservations.cancelCalls)
	fx.assertBooking(t, stageBilling, apierr.CodePersistenceFailed)
}

func TestBookSession_OverridesReachBilling(t *testing.T) {
	fx := newOrchFixture(t)
	req := bookingRequest()
	req.Overrides = &billing.Overrides{CPTCode: "97155", Modifiers: []string{"gt"}}

	res, err := fx.orch.BookSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "97155", res.CPT.Code)
	assert.Equal(t, billing.SourceOverride, res.CPT.Source)
	assert.Equal(t, []string{"GT", "95"}, res.CPT.Modifiers)
	assert.Equal(t, "97155", fx.billing.calls[0].meta.Code)
}

func TestNormalizeAudit(t *testing.T) {
	fx := newOrchFixture(t)
	now := "2025-03-03T08:00:00Z"

	tests := []struct {
		name          string
		in            reservation.SessionPayload
		wantCreatedAt string
		wantUpdatedAt string
		wantCreatedBy *string
		wantUpdatedBy *string
	}{
		{
			name:          "defaults to now",
			in:            reservation.SessionPayload{},
			wantCreatedAt: now,
			wantUpdatedAt: now,
		},
		{
			name:          "space separated timestamp",
			in:            reservation.SessionPayload{CreatedAt: strPtr("2025-03-01 09:30:00"), UpdatedAt: strPtr("garbage")},
			wantCreatedAt: "2025-03-01T09:30:00Z",
			wantUpdatedAt: now,
		},
		{
			name:          "actor cross-filled",
			in:            reservation.SessionPayload{UpdatedBy: strPtr(" user-7 ")},
			wantCreatedAt: now,
			wantUpdatedAt: now,
			wantCreatedBy: strPtr("user-7"),
			wantUpdatedBy: strPtr("user-7"),
		},
		{
			name:          "blank actors stay nil",
			in:            reservation.SessionPayload{CreatedBy: strPtr("  ")},
			wantCreatedAt: now,
			wantUpdatedAt: now,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fx.orch.normalizeAudit(tt.in)
			require.NotNil(t, got.CreatedAt)
			require.NotNil(t, got.UpdatedAt)
			assert.Equal(t, tt.wantCreatedAt, *got.CreatedAt)
			assert.Equal(t, tt.wantUpdatedAt, *got.UpdatedAt)
			assert.Equal(t, tt.wantCreatedBy, got.CreatedBy)
			assert.Equal(t, tt.wantUpdatedBy, got.UpdatedBy)
		})
	}
}

func TestBookSession_OutcomeLabelForPlainError(t *testing.T) {
	fx := newOrchFixture(t)
	fx.reservations.holdErr = errors.New("boom")

	_, err := fx.orch.BookSession(context.Background(), bookingRequest())
	require.EqualError(t, err, "boom")
	fx.assertBooking(t, stageHold, apierr.CodeInternal)
}
