package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/db"
)

type storePG struct{ pool db.Pool }

func NewStorePG(pool db.Pool) Store { return &storePG{pool: pool} }

const holdCols = `id, hold_key, therapist_id, client_id, start_time, end_time, expires_at, session_id, created_at, created_by`

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	err := row.Scan(&h.ID, &h.HoldKey, &h.TherapistID, &h.ClientID, &h.StartTime, &h.EndTime,
		&h.ExpiresAt, &h.SessionID, &h.CreatedAt, &h.CreatedBy)
	return &h, err
}

// lockTherapist serializes hold and confirm writers for one therapist until
// the transaction ends.
func lockTherapist(ctx context.Context, tx pgx.Tx, therapistID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, therapistID)
	if err != nil {
		return fmt.Errorf("lock therapist calendar: %w", err)
	}
	return nil
}

// latestEnd returns the greatest end_time matched by query, or ok=false.
func latestEnd(ctx context.Context, tx pgx.Tx, query string, args ...any) (time.Time, bool, error) {
	var end time.Time
	err := tx.QueryRow(ctx, query, args...).Scan(&end)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return end, true, nil
}

const overlappingHoldSQL = `
	SELECT end_time FROM session_holds
	WHERE therapist_id = $1 AND start_time < $3 AND end_time > $2 AND expires_at >= $4
	ORDER BY end_time DESC LIMIT 1`

const overlappingSessionSQL = `
	SELECT end_time FROM therapy_sessions
	WHERE therapist_id = $1 AND status <> 'cancelled' AND start_time < $3 AND end_time > $2
		AND ($4::uuid IS NULL OR id <> $4)
	ORDER BY end_time DESC LIMIT 1`

func (s *storePG) CreateHold(ctx context.Context, h *Hold, now time.Time) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockTherapist(ctx, tx, h.TherapistID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM session_holds WHERE therapist_id = $1 AND expires_at < $2`, h.TherapistID, now); err != nil {
			return fmt.Errorf("purge expired holds: %w", err)
		}

		end, found, err := latestEnd(ctx, tx, overlappingHoldSQL, h.TherapistID, h.StartTime, h.EndTime, now)
		if err != nil {
			return fmt.Errorf("check hold overlap: %w", err)
		}
		if found {
			return holdConflict(end)
		}
		end, found, err = latestEnd(ctx, tx, overlappingSessionSQL, h.TherapistID, h.StartTime, h.EndTime, h.SessionID)
		if err != nil {
			return fmt.Errorf("check session overlap: %w", err)
		}
		if found {
			return sessionConflictOnHold(end)
		}

		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO session_holds (id, hold_key, therapist_id, client_id, start_time, end_time, expires_at, session_id, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at`,
			h.ID, h.HoldKey, h.TherapistID, h.ClientID, h.StartTime, h.EndTime, h.ExpiresAt, h.SessionID, h.CreatedBy,
		).Scan(&h.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}
		return nil
	})
}

func (s *storePG) ConfirmHold(ctx context.Context, holdKey string, now time.Time, build SessionBuilder) (*Session, error) {
	var sess *Session
	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var therapistID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT therapist_id FROM session_holds WHERE hold_key = $1`, holdKey).Scan(&therapistID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHoldNotFound
		}
		if err != nil {
			return fmt.Errorf("load hold: %w", err)
		}
		if err := lockTherapist(ctx, tx, therapistID); err != nil {
			return err
		}

		// Re-read under the lock; a concurrent confirm or cancel may have
		// consumed the hold.
		h, err := scanHold(tx.QueryRow(ctx, `SELECT `+holdCols+` FROM session_holds WHERE hold_key = $1 FOR UPDATE`, holdKey))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHoldNotFound
		}
		if err != nil {
			return fmt.Errorf("lock hold: %w", err)
		}
		if h.Expired(now) {
			return ErrHoldExpired
		}

		sess, err = build(h)
		if err != nil {
			return err
		}

		end, found, err := latestEnd(ctx, tx, overlappingSessionSQL, h.TherapistID, sess.StartTime, sess.EndTime, h.SessionID)
		if err != nil {
			return fmt.Errorf("check session overlap: %w", err)
		}
		if found {
			return sessionConflict(end)
		}

		if h.SessionID != nil {
			err = s.updateLinkedSession(ctx, tx, sess)
		} else {
			err = insertSession(ctx, tx, sess)
		}
		if db.HasSQLState(err, db.SQLStateExclusionViolation) {
			return sessionConflict(sess.EndTime)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM session_holds WHERE id = $1`, h.ID); err != nil {
			return fmt.Errorf("consume hold: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func insertSession(ctx context.Context, tx pgx.Tx, s *Session) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO therapy_sessions (id, therapist_id, client_id, start_time, end_time, status, notes,
			session_type, location_type, duration_minutes, created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.TherapistID, s.ClientID, s.StartTime, s.EndTime, s.Status, s.Notes,
		s.SessionType, s.LocationType, s.DurationMinutes, s.CreatedAt, s.CreatedBy, s.UpdatedAt, s.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// updateLinkedSession rewrites an existing session in place, or inserts it
// when the linked id does not exist yet. Cancelled sessions are immutable.
func (s *storePG) updateLinkedSession(ctx context.Context, tx pgx.Tx, sess *Session) error {
	var status string
	var createdAt time.Time
	var createdBy *string
	err := tx.QueryRow(ctx, `SELECT status, created_at, created_by FROM therapy_sessions WHERE id = $1 FOR UPDATE`, sess.ID).
		Scan(&status, &createdAt, &createdBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return insertSession(ctx, tx, sess)
	}
	if err != nil {
		return fmt.Errorf("load linked session: %w", err)
	}
	if status == StatusCancelled {
		return errCancelledSession(sess.ID)
	}

	sess.CreatedAt, sess.CreatedBy = createdAt, createdBy
	_, err = tx.Exec(ctx, `
		UPDATE therapy_sessions SET therapist_id = $2, client_id = $3, start_time = $4, end_time = $5,
			status = $6, notes = $7, session_type = $8, location_type = $9, duration_minutes = $10,
			updated_at = $11, updated_by = $12
		WHERE id = $1`,
		sess.ID, sess.TherapistID, sess.ClientID, sess.StartTime, sess.EndTime,
		sess.Status, sess.Notes, sess.SessionType, sess.LocationType, sess.DurationMinutes,
		sess.UpdatedAt, sess.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update linked session: %w", err)
	}
	return nil
}

func errCancelledSession(id uuid.UUID) error {
	return apierr.Validation("session %s is cancelled and cannot be rebooked", id)
}

func (s *storePG) CancelHold(ctx context.Context, holdKey string) (*Hold, error) {
	h, err := scanHold(db.Conn(ctx, s.pool).QueryRow(ctx,
		`DELETE FROM session_holds WHERE hold_key = $1 RETURNING `+holdCols, holdKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete hold: %w", err)
	}
	return h, nil
}

func (s *storePG) CancelSessions(ctx context.Context, ids []uuid.UUID, reason string, actor *string, now time.Time) ([]uuid.UUID, error) {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		UPDATE therapy_sessions
		SET status = 'cancelled', cancellation_reason = $2, cancelled_at = $3, updated_at = $3, updated_by = $4
		WHERE id = ANY($1) AND status <> 'cancelled'
		RETURNING id`, ids, reasonArg, now, actor)
	if err != nil {
		return nil, fmt.Errorf("cancel sessions: %w", err)
	}
	defer rows.Close()

	var cancelled []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, rows.Err()
}

func (s *storePG) PurgeExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM session_holds WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired holds: %w", err)
	}
	return tag.RowsAffected(), nil
}
