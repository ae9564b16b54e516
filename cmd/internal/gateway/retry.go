package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/messages"
)

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = g.cfg.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.cfg.MaxAttempts-1)), ctx)
}

// do runs fn until it succeeds, fails permanently or attempts run out.
// Only the last failure is returned, always as a *chat.Error.
func (g *Gateway) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	defer func() { g.metrics.GatewayDuration(op, time.Since(start)) }()

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		cerr := g.attempt(ctx, op, fn)
		if cerr == nil {
			g.metrics.GatewayAttempt(op, "ok")
			return nil
		}
		g.metrics.GatewayAttempt(op, "error")
		if !chat.IsRetryable(cerr) {
			return backoff.Permanent(cerr)
		}
		return cerr
	}, g.newBackOff(ctx), func(err error, wait time.Duration) {
		g.log.Warn("gateway.retry",
			"op", op,
			"attempt", attempt,
			"max_attempts", g.cfg.MaxAttempts,
			"retry_in", wait,
			"err", err,
		)
	})
	if err == nil {
		return nil
	}

	cerr := messages.Classify(op, err)
	g.metrics.GatewayFailure(op, cerr.Kind.Error())
	if !errors.Is(cerr, chat.ErrInvalidInput) {
		g.log.Error("gateway.fail", "op", op, "attempts", attempt, "kind", cerr.Kind.Error(), "err", err)
	}
	return cerr
}

// attempt runs fn once. A panic in the store is reported as ErrUnknown.
func (g *Gateway) attempt(ctx context.Context, op string, fn func(context.Context) error) (out *chat.Error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gateway.panic", "op", op, "panic", fmt.Sprint(r))
			out = chat.E(op, chat.ErrUnknown, fmt.Sprintf("store panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		return messages.Classify(op, err)
	}
	return nil
}
