package reservation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/auth"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/idempotency"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/telemetry"
)

// Idempotency scopes. Keys in different scopes never collide.
const (
	ScopeHold           = "hold"
	ScopeConfirm        = "confirm"
	ScopeCancel         = "cancel"
	ScopeCancelSessions = "cancel_sessions"

	// scopeHoldOwner maps a hold key to the idempotency key that created it.
	scopeHoldOwner = "hold_owner"
)

const (
	DefaultHoldSeconds = 300
	MaxHoldSeconds     = 3600
)

// Config bounds hold lifetimes in seconds. Zero values take the defaults.
type Config struct {
	DefaultHoldSeconds int
	MaxHoldSeconds     int
}

// Service runs hold, confirm and cancel operations against a Store.
type Service struct {
	store   Store
	guard   *idempotency.Guard
	metrics *telemetry.ReservationMetrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
}

func NewService(store Store, guard *idempotency.Guard, metrics *telemetry.ReservationMetrics, logger zerolog.Logger, cfg Config) *Service {
	if cfg.DefaultHoldSeconds <= 0 {
		cfg.DefaultHoldSeconds = DefaultHoldSeconds
	}
	if cfg.MaxHoldSeconds <= 0 {
		cfg.MaxHoldSeconds = MaxHoldSeconds
	}
	return &Service{store: store, guard: guard, metrics: metrics, logger: logger, cfg: cfg, now: time.Now}
}

// Now is the service clock, truncated to microseconds to match Postgres.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) observe(op string, err error, replayed bool) {
	if replayed {
		s.metrics.ObserveReplay(op)
	}
	if err == nil {
		s.metrics.ObserveOperation(op, "ok")
		return
	}
	outcome := apierr.CodeOf(err)
	if outcome == "" {
		outcome = apierr.CodeInternal
	}
	s.metrics.ObserveOperation(op, outcome)
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func newHoldKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate hold key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, apierr.Validation("%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.Validation("%s must be a UUID", field)
	}
	return id, nil
}

func actorFromContext(ctx context.Context) *string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return &id
	}
	return nil
}

type holdParams struct {
	therapistID uuid.UUID
	clientID    uuid.UUID
	start, end  time.Time
	sessionID   *uuid.UUID
	ttl         int
}

func (s *Service) validateHold(req HoldRequest) (*holdParams, error) {
	var p holdParams
	var err error
	if p.therapistID, err = parseID("therapist_id", req.TherapistID); err != nil {
		return nil, err
	}
	if p.clientID, err = parseID("client_id", req.ClientID); err != nil {
		return nil, err
	}
	if p.start, err = NormalizeTimestamp(req.StartTime, req.TimeZone, req.StartTimeOffsetMinutes); err != nil {
		return nil, apierr.Validation("start_time: %v", err)
	}
	if p.end, err = NormalizeTimestamp(req.EndTime, req.TimeZone, req.EndTimeOffsetMinutes); err != nil {
		return nil, apierr.Validation("end_time: %v", err)
	}
	if !p.start.Before(p.end) {
		return nil, apierr.Validation("start_time must be before end_time")
	}
	if strings.TrimSpace(req.SessionID) != "" {
		id, err := parseID("session_id", req.SessionID)
		if err != nil {
			return nil, err
		}
		p.sessionID = &id
	}

	p.ttl = s.cfg.DefaultHoldSeconds
	if req.HoldSeconds != nil {
		p.ttl = *req.HoldSeconds
	}
	if p.ttl <= 0 || p.ttl > s.cfg.MaxHoldSeconds {
		return nil, apierr.Validation("hold_seconds must be between 1 and %d", s.cfg.MaxHoldSeconds)
	}
	return &p, nil
}

func (p *holdParams) fingerprint() string {
	sessionID := ""
	if p.sessionID != nil {
		sessionID = p.sessionID.String()
	}
	return fingerprint(p.therapistID.String(), p.clientID.String(),
		p.start.Format(time.RFC3339Nano), p.end.Format(time.RFC3339Nano), sessionID, strconv.Itoa(p.ttl))
}

// CreateHold claims [start, end) on the therapist's calendar for the
// requested TTL.
func (s *Service) CreateHold(ctx context.Context, req HoldRequest, idempotencyKey string) (*HoldResult, error) {
	p, err := s.validateHold(req)
	if err != nil {
		s.observe(ScopeHold, err, false)
		return nil, err
	}

	res, replayed, err := idempotency.Do(ctx, s.guard, ScopeHold, idempotencyKey, p.fingerprint(),
		func(ctx context.Context) (*HoldResult, error) {
			key, err := newHoldKey()
			if err != nil {
				return nil, err
			}
			now := s.Now()
			h := &Hold{
				ID:          uuid.New(),
				HoldKey:     key,
				TherapistID: p.therapistID,
				ClientID:    p.clientID,
				StartTime:   p.start,
				EndTime:     p.end,
				ExpiresAt:   now.Add(time.Duration(p.ttl) * time.Second),
				SessionID:   p.sessionID,
				CreatedBy:   actorFromContext(ctx),
			}
			if err := s.store.CreateHold(ctx, h, now); err != nil {
				return nil, err
			}
			s.guard.Link(ctx, scopeHoldOwner, h.HoldKey, idempotencyKey)
			summary := HoldSummary{HoldKey: h.HoldKey, HoldID: h.ID, StartTime: h.StartTime, EndTime: h.EndTime, ExpiresAt: h.ExpiresAt}
			return &HoldResult{
				HoldKey:   h.HoldKey,
				HoldID:    h.ID,
				StartTime: h.StartTime,
				EndTime:   h.EndTime,
				ExpiresAt: h.ExpiresAt,
				Holds:     []HoldSummary{summary},
			}, nil
		})
	s.observe(ScopeHold, err, replayed)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("hold_id", res.HoldID.String()).
		Str("therapist_id", p.therapistID.String()).
		Time("expires_at", res.ExpiresAt).
		Bool("replayed", replayed).
		Msg("hold created")
	return res, nil
}

// ConfirmHold turns a valid hold into a session. The session's times,
// therapist and client must match the hold; blank times default to the
// hold's.
func (s *Service) ConfirmHold(ctx context.Context, req ConfirmRequest, idempotencyKey string) (*ConfirmResult, error) {
	holdKey := strings.TrimSpace(req.HoldKey)
	if holdKey == "" {
		err := apierr.Validation("hold_key is required")
		s.observe(ScopeConfirm, err, false)
		return nil, err
	}
	p := req.Session
	fp := fingerprint(holdKey, strings.TrimSpace(p.ID), strings.TrimSpace(p.TherapistID), strings.TrimSpace(p.ClientID),
		strings.TrimSpace(p.StartTime), strings.TrimSpace(p.EndTime), strings.TrimSpace(p.Status),
		textOf(p.Notes), textOf(p.SessionType), textOf(p.LocationType))

	res, replayed, err := idempotency.Do(ctx, s.guard, ScopeConfirm, idempotencyKey, fp,
		func(ctx context.Context) (*ConfirmResult, error) {
			now := s.Now()
			actor := actorFromContext(ctx)
			sess, err := s.store.ConfirmHold(ctx, holdKey, now, func(h *Hold) (*Session, error) {
				return buildSession(h, p, now, actor)
			})
			if err != nil {
				return nil, err
			}
			return &ConfirmResult{
				Session:                *sess,
				Sessions:               []Session{*sess},
				RoundedDurationMinutes: sess.DurationMinutes,
			}, nil
		})
	s.observe(ScopeConfirm, err, replayed)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", res.Session.ID.String()).
		Str("therapist_id", res.Session.TherapistID.String()).
		Bool("replayed", replayed).
		Msg("hold confirmed")
	return res, nil
}

// buildSession checks the payload against the hold and fills server-side
// fields. Duration is always derived from the hold's interval.
func buildSession(h *Hold, p SessionPayload, now time.Time, actor *string) (*Session, error) {
	if strings.TrimSpace(p.TherapistID) != "" {
		id, err := parseID("session.therapist_id", p.TherapistID)
		if err != nil {
			return nil, err
		}
		if id != h.TherapistID {
			return nil, apierr.Validation("session.therapist_id does not match the hold")
		}
	}
	if strings.TrimSpace(p.ClientID) != "" {
		id, err := parseID("session.client_id", p.ClientID)
		if err != nil {
			return nil, err
		}
		if id != h.ClientID {
			return nil, apierr.Validation("session.client_id does not match the hold")
		}
	}
	for _, f := range []struct {
		name string
		raw  string
		want time.Time
	}{
		{"session.start_time", p.StartTime, h.StartTime},
		{"session.end_time", p.EndTime, h.EndTime},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		t, err := NormalizeTimestamp(f.raw, "", nil)
		if err != nil {
			return nil, apierr.Validation("%s: %v", f.name, err)
		}
		if !t.Equal(f.want) {
			return nil, apierr.Validation("%s does not match the hold", f.name)
		}
	}

	id := uuid.New()
	if h.SessionID != nil {
		id = *h.SessionID
	}
	if strings.TrimSpace(p.ID) != "" {
		pid, err := parseID("session.id", p.ID)
		if err != nil {
			return nil, err
		}
		if h.SessionID == nil || pid != *h.SessionID {
			return nil, apierr.Validation("session.id must match the session linked to the hold")
		}
	}

	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = StatusScheduled
	}
	if !validStatuses[status] || status == StatusCancelled {
		return nil, apierr.Validation("invalid session status: %s", status)
	}

	createdAt, ok := ParseAuditTimestamp(p.CreatedAt)
	if !ok {
		createdAt = now
	}
	updatedAt, ok := ParseAuditTimestamp(p.UpdatedAt)
	if !ok {
		updatedAt = now
	}
	createdBy, updatedBy := trimmed(p.CreatedBy), trimmed(p.UpdatedBy)
	if createdBy == nil {
		createdBy = updatedBy
	}
	if updatedBy == nil {
		updatedBy = createdBy
	}
	if createdBy == nil {
		createdBy, updatedBy = actor, actor
	}

	return &Session{
		ID:              id,
		TherapistID:     h.TherapistID,
		ClientID:        h.ClientID,
		StartTime:       h.StartTime,
		EndTime:         h.EndTime,
		Status:          status,
		Notes:           p.Notes,
		SessionType:     trimmed(p.SessionType),
		LocationType:    trimmed(p.LocationType),
		DurationMinutes: roundedMinutes(h.StartTime, h.EndTime),
		CreatedAt:       createdAt,
		CreatedBy:       createdBy,
		UpdatedAt:       updatedAt,
		UpdatedBy:       updatedBy,
	}, nil
}

func textOf(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// CancelHold releases a hold. Unknown or consumed keys report
// released=false without error.
func (s *Service) CancelHold(ctx context.Context, holdKey, idempotencyKey string) (*CancelHoldResult, error) {
	holdKey = strings.TrimSpace(holdKey)
	if holdKey == "" {
		err := apierr.Validation("hold_key is required")
		s.observe(ScopeCancel, err, false)
		return nil, err
	}

	res, replayed, err := idempotency.Do(ctx, s.guard, ScopeCancel, idempotencyKey, fingerprint(holdKey),
		func(ctx context.Context) (*CancelHoldResult, error) {
			h, err := s.store.CancelHold(ctx, holdKey)
			if err != nil {
				return nil, err
			}
			if h != nil {
				s.forgetHold(ctx, h.HoldKey)
			}
			return &CancelHoldResult{Released: h != nil, Hold: h}, nil
		})
	s.observe(ScopeCancel, err, replayed)
	if err != nil {
		return nil, err
	}
	if res.Released {
		s.logger.Info().Str("hold_id", res.Hold.ID.String()).Msg("hold released")
	}
	return res, nil
}

// forgetHold drops the stored hold result for a released hold so a retry
// under the same idempotency key places a fresh hold instead of replaying a
// dead one.
func (s *Service) forgetHold(ctx context.Context, holdKey string) {
	owner, ok := s.guard.Linked(ctx, scopeHoldOwner, holdKey)
	if !ok {
		return
	}
	if err := s.guard.Forget(ctx, ScopeHold, owner); err != nil {
		s.logger.Warn().Err(err).Msg("failed to forget released hold")
	}
	_ = s.guard.Forget(ctx, scopeHoldOwner, holdKey)
}

// CancelSessions cancels sessions in bulk. Ids that were unknown or already
// cancelled are reported in AlreadyCancelledSessionIDs.
func (s *Service) CancelSessions(ctx context.Context, req CancelSessionsRequest, idempotencyKey string) (*CancelSessionsResult, error) {
	seen := make(map[uuid.UUID]bool, len(req.SessionIDs))
	var ids []uuid.UUID
	for _, raw := range req.SessionIDs {
		id, err := parseID("session_ids", raw)
		if err != nil {
			s.observe(ScopeCancelSessions, err, false)
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		err := apierr.Validation("session_ids must not be empty")
		s.observe(ScopeCancelSessions, err, false)
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	sort.Strings(keys)
	fp := fingerprint(append(keys, reason)...)

	res, replayed, err := idempotency.Do(ctx, s.guard, ScopeCancelSessions, idempotencyKey, fp,
		func(ctx context.Context) (*CancelSessionsResult, error) {
			cancelled, err := s.store.CancelSessions(ctx, ids, reason, actorFromContext(ctx), s.Now())
			if err != nil {
				return nil, err
			}
			done := make(map[uuid.UUID]bool, len(cancelled))
			for _, id := range cancelled {
				done[id] = true
			}
			out := &CancelSessionsResult{
				CancelledSessionIDs:        []uuid.UUID{},
				AlreadyCancelledSessionIDs: []uuid.UUID{},
			}
			for _, id := range ids {
				if done[id] {
					out.CancelledSessionIDs = append(out.CancelledSessionIDs, id)
				} else {
					out.AlreadyCancelledSessionIDs = append(out.AlreadyCancelledSessionIDs, id)
				}
			}
			out.CancelledCount = len(out.CancelledSessionIDs)
			out.AlreadyCancelledCount = len(out.AlreadyCancelledSessionIDs)
			return out, nil
		})
	s.observe(ScopeCancelSessions, err, replayed)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("cancelled", res.CancelledCount).
		Int("already_cancelled", res.AlreadyCancelledCount).
		Msg("sessions cancelled")
	return res, nil
}

// PurgeExpiredHolds deletes holds whose expiry has passed.
func (s *Service) PurgeExpiredHolds(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredHolds(ctx, s.Now())
	if err != nil {
		return 0, err
	}
	s.metrics.ObservePurged(n)
	return n, nil
}
