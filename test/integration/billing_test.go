//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/billing"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
)

func bookedSession(t *testing.T, s *stack, day int) uuid.UUID {
	t.Helper()
	therapist, client := uuid.New(), uuid.New()
	start, end := slot(day, 13)
	h, err := hold(t, s, therapist, client, start, end)
	require.NoError(t, err)
	res, err := confirm(t, s, h.HoldKey, therapist, client)
	require.NoError(t, err)
	return res.Session.ID
}

func lineItemCount(t *testing.T, sessionID uuid.UUID) int {
	t.Helper()
	var n int
	require.NoError(t, globalPool.QueryRow(context.Background(),
		`SELECT count(*) FROM session_line_items WHERE session_id = $1`, sessionID).Scan(&n))
	return n
}

func TestBilling_ReplaceSemantics(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	sessionID := bookedSession(t, s, 10)
	minutes := 60

	first, err := s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{
		Code: "97154", Description: "Group adaptive behavior treatment by protocol", Modifiers: []string{"HQ", "95"},
	}, &minutes)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Units)

	second, err := s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{
		Code: "97153", Description: "Adaptive behavior treatment by protocol", Modifiers: []string{"U4"},
	}, &minutes)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, lineItemCount(t, sessionID))

	got, err := s.billing.GetLineItem(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "97153", got.ProcedureCode)
	assert.Equal(t, []string{"U4"}, got.Modifiers)

	var modifierRows int
	require.NoError(t, globalPool.QueryRow(ctx,
		`SELECT count(*) FROM session_line_item_modifiers WHERE line_item_id = $1`, first.ID).Scan(&modifierRows))
	assert.Zero(t, modifierRows, "replaced line item's modifiers should be gone")
}

func TestBilling_ModifierOrderIsPreserved(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	sessionID := bookedSession(t, s, 11)
	minutes := 200

	_, err := s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{
		Code: "97153", Modifiers: []string{"KX", "HN", "95"},
	}, &minutes)
	require.NoError(t, err)

	got, err := s.billing.GetLineItem(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"KX", "HN", "95"}, got.Modifiers)
	assert.Equal(t, 13, got.Units)
}

func TestBilling_UnknownCodesRollBack(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	sessionID := bookedSession(t, s, 12)
	minutes := 30

	_, err := s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{Code: "97153", Modifiers: []string{"HQ"}}, &minutes)
	require.NoError(t, err)

	_, err = s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{Code: "97153", Modifiers: []string{"ZZ", "YY"}}, &minutes)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apierr.StatusOf(err))
	assert.Contains(t, err.Error(), "ZZ")
	assert.Contains(t, err.Error(), "YY")

	_, err = s.billing.PersistBillingLineItem(ctx, sessionID, billing.Metadata{Code: "00000"}, &minutes)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeNotRegistered, apierr.CodeOf(err))

	got, err := s.billing.GetLineItem(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"HQ"}, got.Modifiers, "failed writes must leave the previous line item intact")
}
