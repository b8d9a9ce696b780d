package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
)

// Client calls a remote reservation API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for the API rooted at baseURL, e.g.
// "https://scheduler.internal/api/v1/reservations".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success           bool            `json:"success"`
	Data              json.RawMessage `json:"data"`
	Error             string          `json:"error"`
	Code              string          `json:"code"`
	RetryAfter        *time.Time      `json:"retryAfter"`
	RetryAfterSeconds *int            `json:"retryAfterSeconds"`
}

func (c *Client) Hold(ctx context.Context, req HoldRequest, opts CallOptions) (*HoldResult, error) {
	var out HoldResult
	if err := c.post(ctx, "/hold", req, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Confirm(ctx context.Context, req ConfirmRequest, opts CallOptions) (*ConfirmResult, error) {
	var out ConfirmResult
	if err := c.post(ctx, "/confirm", req, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelHold(ctx context.Context, holdKey string, opts CallOptions) (*CancelHoldResult, error) {
	var out CancelHoldResult
	if err := c.post(ctx, "/cancel", map[string]string{"hold_key": holdKey}, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelSessions(ctx context.Context, req CancelSessionsRequest, opts CallOptions) (*CancelSessionsResult, error) {
	var out CancelSessionsResult
	if err := c.post(ctx, "/cancel", req, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends body and decodes the envelope. Failure envelopes come back as
// *apierr.Error with the server's status, code and retry guidance intact.
func (c *Client) post(ctx context.Context, path string, body any, opts CallOptions, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.BearerToken)
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, opts.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		return apierr.Wrap(fmt.Errorf("reservation %s: %w", path, err), status, apierr.CodeUpstreamUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apierr.Wrap(fmt.Errorf("read %s response: %w", path, err), http.StatusBadGateway, apierr.CodeUpstreamUnavailable)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return apierr.FromEnvelope(resp.StatusCode, apierr.Envelope{})
		}
		return apierr.Wrap(fmt.Errorf("decode %s response: %w", path, err), http.StatusBadGateway, apierr.CodeUpstreamUnavailable)
	}

	if resp.StatusCode >= 400 || !env.Success {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusInternalServerError
		}
		return apierr.FromEnvelope(status, apierr.Envelope{Error: env.Error, Code: env.Code, RetryAfter: env.RetryAfter})
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return apierr.Wrap(fmt.Errorf("decode %s data: %w", path, err), http.StatusBadGateway, apierr.CodeUpstreamUnavailable)
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
