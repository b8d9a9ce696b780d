package reservation

import "context"

// LocalClient calls the reservation service in-process. The caller's
// identity travels on ctx, so the bearer token in CallOptions is unused.
type LocalClient struct {
	svc *Service
}

func NewLocalClient(svc *Service) *LocalClient {
	return &LocalClient{svc: svc}
}

func (c *LocalClient) Hold(ctx context.Context, req HoldRequest, opts CallOptions) (*HoldResult, error) {
	return c.svc.CreateHold(ctx, req, opts.IdempotencyKey)
}

func (c *LocalClient) Confirm(ctx context.Context, req ConfirmRequest, opts CallOptions) (*ConfirmResult, error) {
	return c.svc.ConfirmHold(ctx, req, opts.IdempotencyKey)
}

func (c *LocalClient) CancelHold(ctx context.Context, holdKey string, opts CallOptions) (*CancelHoldResult, error) {
	return c.svc.CancelHold(ctx, holdKey, opts.IdempotencyKey)
}

func (c *LocalClient) CancelSessions(ctx context.Context, req CancelSessionsRequest, opts CallOptions) (*CancelSessionsResult, error) {
	return c.svc.CancelSessions(ctx, req, opts.IdempotencyKey)
}
