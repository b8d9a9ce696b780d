package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/db"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/telemetry"
)

type Service struct {
	pool    db.Pool
	repo    LineItemRepository
	metrics *telemetry.BillingMetrics
	logger  zerolog.Logger
}

func NewService(pool db.Pool, repo LineItemRepository, metrics *telemetry.BillingMetrics, logger zerolog.Logger) *Service {
	return &Service{pool: pool, repo: repo, metrics: metrics, logger: logger}
}

// PersistBillingLineItem replaces the session's line item and its ordered
// modifiers in one transaction. Catalog misses return a NotRegisteredError
// listing every missing code; any other failure is a PersistenceError.
func (s *Service) PersistBillingLineItem(ctx context.Context, sessionID uuid.UUID, meta Metadata, billedMinutes *int) (*LineItem, error) {
	units := ComputeBillingUnits(MinutesPtr(billedMinutes))
	li := &LineItem{
		SessionID:     sessionID,
		ProcedureCode: meta.Code,
		BilledMinutes: units.Minutes,
		Units:         units.Units,
		IsPrimary:     true,
		Description:   meta.Description,
		Modifiers:     append([]string{}, meta.Modifiers...),
	}

	err := db.WithTx(ctx, s.pool, func(ctx context.Context, _ pgx.Tx) error {
		codeID, ok, err := s.repo.ResolveProcedureCode(ctx, meta.Code)
		if err != nil {
			return persistenceFailure(sessionID, fmt.Errorf("resolve procedure code: %w", err))
		}
		if !ok {
			return notRegistered(KindProcedureCode, meta.Code)
		}
		li.ProcedureCodeID = codeID

		found, err := s.repo.ResolveModifiers(ctx, meta.Modifiers)
		if err != nil {
			return persistenceFailure(sessionID, fmt.Errorf("resolve modifiers: %w", err))
		}
		modifierIDs := make([]uuid.UUID, 0, len(meta.Modifiers))
		var missing []string
		for _, code := range meta.Modifiers {
			id, ok := found[code]
			if !ok {
				missing = append(missing, code)
				continue
			}
			modifierIDs = append(modifierIDs, id)
		}
		if len(missing) > 0 {
			return notRegistered(KindModifier, missing...)
		}

		if _, err := s.repo.DeleteForSession(ctx, sessionID); err != nil {
			return persistenceFailure(sessionID, fmt.Errorf("delete line items: %w", err))
		}
		if err := s.repo.InsertLineItem(ctx, li); err != nil {
			return persistenceFailure(sessionID, fmt.Errorf("insert line item: %w", err))
		}
		if err := s.repo.InsertModifiers(ctx, li.ID, modifierIDs); err != nil {
			return persistenceFailure(sessionID, fmt.Errorf("insert line item modifiers: %w", err))
		}
		return nil
	})
	if err != nil {
		var nre *NotRegisteredError
		var pe *PersistenceError
		if !errors.As(err, &nre) && !errors.As(err, &pe) {
			// begin or commit failed
			err = persistenceFailure(sessionID, err)
		}
		s.metrics.ObserveWrite(apierr.CodeOf(err), string(meta.Source))
		s.logger.Error().Err(err).
			Str("session_id", sessionID.String()).
			Str("code", meta.Code).
			Msg("billing line item not persisted")
		return nil, err
	}

	s.metrics.ObserveWrite("ok", string(meta.Source))
	return li, nil
}

// GetLineItem returns the current primary line item for a session.
func (s *Service) GetLineItem(ctx context.Context, sessionID uuid.UUID) (*LineItem, error) {
	li, err := s.repo.GetPrimary(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeSessionNotFound,
			fmt.Sprintf("no billing line item for session %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("get line item: %w", err)
	}
	return li, nil
}

// RederiveBilling recomputes billing metadata from the stored session and
// replaces its line item. Operators use it after a PersistenceError.
func (s *Service) RederiveBilling(ctx context.Context, sessionID uuid.UUID, overrides *Overrides) (*LineItem, Metadata, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, Metadata{}, apierr.New(http.StatusNotFound, apierr.CodeSessionNotFound,
			fmt.Sprintf("session %s not found", sessionID))
	}
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Status == "cancelled" {
		return nil, Metadata{}, apierr.Validation("session %s is cancelled", sessionID)
	}

	meta := DeriveBillingMetadata(sess.SessionInput, overrides)
	billed := sess.DurationMinutes
	if billed == nil {
		billed = meta.DurationMinutes
	}
	li, err := s.PersistBillingLineItem(ctx, sessionID, meta, billed)
	if err != nil {
		return nil, meta, err
	}
	return li, meta, nil
}
