package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionBuilder turns a locked, unexpired hold into the session to write.
// Returning an error aborts the confirmation and leaves the hold in place.
type SessionBuilder func(h *Hold) (*Session, error)

// Store keeps holds and sessions. Every method is atomic: the overlap check
// and the write it guards happen in one transaction, serialized per
// therapist.
type Store interface {
	// CreateHold inserts h unless it overlaps a non-expired hold or a
	// non-cancelled session of the same therapist. A session linked through
	// h.SessionID is ignored by the overlap check. Expired holds of the
	// therapist are purged on the way.
	CreateHold(ctx context.Context, h *Hold, now time.Time) error
	// ConfirmHold consumes the hold and writes the session built from it.
	// The hold survives any failure.
	ConfirmHold(ctx context.Context, holdKey string, now time.Time, build SessionBuilder) (*Session, error)
	// CancelHold deletes the hold and returns it, or nil when there was none.
	CancelHold(ctx context.Context, holdKey string) (*Hold, error)
	// CancelSessions cancels the given sessions and returns the ids it
	// changed. Unknown and already-cancelled ids are simply not returned.
	CancelSessions(ctx context.Context, ids []uuid.UUID, reason string, actor *string, now time.Time) ([]uuid.UUID, error)
	PurgeExpiredHolds(ctx context.Context, now time.Time) (int64, error)
}
