package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// LineItemRepository reads the billing catalog and writes session line
// items. Callers group writes in a transaction via db.WithTx; the
// implementation picks the transaction up from ctx.
type LineItemRepository interface {
	// ResolveProcedureCode returns the catalog id for code, or ok=false.
	ResolveProcedureCode(ctx context.Context, code string) (id uuid.UUID, ok bool, err error)
	// ResolveModifiers returns catalog ids keyed by code for the codes found.
	ResolveModifiers(ctx context.Context, codes []string) (map[string]uuid.UUID, error)
	DeleteForSession(ctx context.Context, sessionID uuid.UUID) (int64, error)
	InsertLineItem(ctx context.Context, li *LineItem) error
	InsertModifiers(ctx context.Context, lineItemID uuid.UUID, modifierIDs []uuid.UUID) error
	GetPrimary(ctx context.Context, sessionID uuid.UUID) (*LineItem, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*StoredSession, error)
}
