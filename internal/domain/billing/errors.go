package billing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
)

// Catalog kinds reported by NotRegisteredError.
const (
	KindProcedureCode = "procedure_code"
	KindModifier      = "modifier"
)

// NotRegisteredError reports codes that are missing from the billing catalog.
type NotRegisteredError struct {
	Kind  string
	Codes []string
}

func (e *NotRegisteredError) Error() string {
	if e.Kind == KindModifier {
		return fmt.Sprintf("billing modifiers not registered: %s", strings.Join(e.Codes, ", "))
	}
	return fmt.Sprintf("billing procedure code not registered: %s", strings.Join(e.Codes, ", "))
}

func notRegistered(kind string, codes ...string) error {
	return apierr.Wrap(&NotRegisteredError{Kind: kind, Codes: codes}, http.StatusUnprocessableEntity, apierr.CodeNotRegistered)
}

// PersistenceError means the billing write failed after the session was
// already confirmed. The calendar and billing state disagree until an
// operator re-derives billing for the session.
type PersistenceError struct {
	SessionID uuid.UUID
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist billing for session %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceFailure(sessionID uuid.UUID, err error) error {
	return apierr.Wrap(&PersistenceError{SessionID: sessionID, Err: err}, http.StatusInternalServerError, apierr.CodePersistenceFailed)
}
