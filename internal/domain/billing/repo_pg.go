package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/db"
)

type lineItemRepoPG struct{ pool db.Querier }

func NewLineItemRepoPG(pool db.Querier) LineItemRepository { return &lineItemRepoPG{pool: pool} }

func (r *lineItemRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *lineItemRepoPG) ResolveProcedureCode(ctx context.Context, code string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM billing_procedure_codes WHERE code = $1 AND active`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (r *lineItemRepoPG) ResolveModifiers(ctx context.Context, codes []string) (map[string]uuid.UUID, error) {
	found := make(map[string]uuid.UUID, len(codes))
	if len(codes) == 0 {
		return found, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, code FROM billing_modifiers WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, err
		}
		found[code] = id
	}
	return found, rows.Err()
}

func (r *lineItemRepoPG) DeleteForSession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM session_line_items WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *lineItemRepoPG) InsertLineItem(ctx context.Context, li *LineItem) error {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO session_line_items (id, session_id, procedure_code_id, billed_minutes, units, is_primary, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		li.ID, li.SessionID, li.ProcedureCodeID, li.BilledMinutes, li.Units, li.IsPrimary, li.Description,
	).Scan(&li.CreatedAt)
}

// InsertModifiers stores modifierIDs in order with 1-based positions.
func (r *lineItemRepoPG) InsertModifiers(ctx context.Context, lineItemID uuid.UUID, modifierIDs []uuid.UUID) error {
	for i, modID := range modifierIDs {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO session_line_item_modifiers (line_item_id, modifier_id, position)
			VALUES ($1, $2, $3)`, lineItemID, modID, i+1); err != nil {
			return err
		}
	}
	return nil
}

func (r *lineItemRepoPG) GetPrimary(ctx context.Context, sessionID uuid.UUID) (*LineItem, error) {
	var li LineItem
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT li.id, li.session_id, li.procedure_code_id, pc.code, li.billed_minutes, li.units,
			li.is_primary, li.description, li.created_at
		FROM session_line_items li
		JOIN billing_procedure_codes pc ON pc.id = li.procedure_code_id
		WHERE li.session_id = $1 AND li.is_primary`, sessionID,
	).Scan(&li.ID, &li.SessionID, &li.ProcedureCodeID, &li.ProcedureCode, &li.BilledMinutes, &li.Units,
		&li.IsPrimary, &li.Description, &li.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.code
		FROM session_line_item_modifiers lim
		JOIN billing_modifiers m ON m.id = lim.modifier_id
		WHERE lim.line_item_id = $1
		ORDER BY lim.position`, li.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	li.Modifiers = []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		li.Modifiers = append(li.Modifiers, code)
	}
	return &li, rows.Err()
}

func (r *lineItemRepoPG) GetSession(ctx context.Context, sessionID uuid.UUID) (*StoredSession, error) {
	var s StoredSession
	var sessionType, locationType *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, status, session_type, location_type, start_time, end_time, duration_minutes
		FROM therapy_sessions WHERE id = $1`, sessionID,
	).Scan(&s.ID, &s.Status, &sessionType, &locationType, &s.StartTime, &s.EndTime, &s.DurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sessionType != nil {
		s.SessionType = *sessionType
	}
	if locationType != nil {
		s.LocationType = *locationType
	}
	return &s, nil
}
