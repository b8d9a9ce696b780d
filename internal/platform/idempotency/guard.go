package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
)

// ErrKeyReused is returned when a key is replayed for a different request.
var ErrKeyReused = apierr.New(http.StatusUnprocessableEntity, apierr.CodeIdempotencyReused,
	"idempotency key was already used for a different request")

// Guard runs operations at most once per (scope, key). Concurrent duplicates
// inside the process share one execution; completed successes are stored
// and replayed. Failures are never stored, so a failed request can be retried
// with the same key.
type Guard struct {
	store  Store
	group  singleflight.Group
	logger zerolog.Logger
}

func NewGuard(store Store, logger zerolog.Logger) *Guard {
	return &Guard{store: store, logger: logger}
}

type flightResult struct {
	fingerprint string
	payload     json.RawMessage
	replayed    bool
}

// Do executes fn unless (scope, key) already holds a result, in which case
// the stored result is decoded and replayed is true. An empty key or nil
// guard runs fn directly.
func Do[T any](ctx context.Context, g *Guard, scope, key, fingerprint string, fn func(ctx context.Context) (T, error)) (result T, replayed bool, err error) {
	if g == nil || key == "" {
		result, err = fn(ctx)
		return result, false, err
	}

	fullKey := scope + ":" + key
	v, err, _ := g.group.Do(fullKey, func() (interface{}, error) {
		entry, found, gerr := g.store.Get(ctx, fullKey)
		if gerr != nil {
			g.logger.Warn().Err(gerr).Str("key", fullKey).Msg("idempotency lookup failed, executing request")
		}
		if found {
			return &flightResult{fingerprint: entry.Fingerprint, payload: entry.Payload, replayed: true}, nil
		}

		out, ferr := fn(ctx)
		if ferr != nil {
			return nil, ferr
		}
		payload, merr := json.Marshal(out)
		if merr != nil {
			return nil, fmt.Errorf("idempotency: encode result: %w", merr)
		}
		if serr := g.store.Set(ctx, fullKey, &Entry{Fingerprint: fingerprint, Payload: payload}); serr != nil {
			g.logger.Warn().Err(serr).Str("key", fullKey).Msg("idempotency store write failed")
		}
		return &flightResult{fingerprint: fingerprint, payload: payload}, nil
	})
	if err != nil {
		return result, false, err
	}

	fr := v.(*flightResult)
	if fr.fingerprint != fingerprint {
		return result, false, ErrKeyReused
	}
	if err := json.Unmarshal(fr.payload, &result); err != nil {
		return result, false, fmt.Errorf("idempotency: decode result: %w", err)
	}
	return result, fr.replayed, nil
}

// Forget drops the stored result for (scope, key) so the next call runs
// again.
func (g *Guard) Forget(ctx context.Context, scope, key string) error {
	if g == nil || key == "" {
		return nil
	}
	return g.store.Delete(ctx, scope+":"+key)
}

// Link records value under (scope, key) for a later Linked lookup. It is
// best effort: a failed write is logged and dropped.
func (g *Guard) Link(ctx context.Context, scope, key, value string) {
	if g == nil || key == "" || value == "" {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := g.store.Set(ctx, scope+":"+key, &Entry{Payload: payload}); err != nil {
		g.logger.Warn().Err(err).Str("key", scope+":"+key).Msg("idempotency link write failed")
	}
}

// Linked returns the value recorded by Link.
func (g *Guard) Linked(ctx context.Context, scope, key string) (string, bool) {
	if g == nil || key == "" {
		return "", false
	}
	entry, found, err := g.store.Get(ctx, scope+":"+key)
	if err != nil || !found {
		return "", false
	}
	var value string
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		return "", false
	}
	return value, true
}

// IsKeyReused reports whether err came from replaying a key for another request.
func IsKeyReused(err error) bool {
	return errors.Is(err, ErrKeyReused)
}
