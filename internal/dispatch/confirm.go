package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// Resolve applies a confirm or reject decision to a pending unit. The first
// decision wins: a claim marker is taken atomically before any state change,
// so racing button presses and magic-link clicks cannot double-execute.
//
// ErrNotFound means the unit expired (or never existed); ErrAlreadyResolved
// means another decision got there first.
func (e *Engine) Resolve(ctx context.Context, id string, confirmed bool) error {
	u, err := e.LoadUnit(ctx, id)
	if err != nil {
		return err
	}
	if !u.RequireConfirmation {
		return fmt.Errorf("%w: %s does not await confirmation", ErrValidation, id)
	}

	decision := "rejected"
	if confirmed {
		decision = "confirmed"
	}
	won, err := e.store.SetNX(ctx, claimKey(id), decision, statusTTL)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if !won {
		return ErrAlreadyResolved
	}

	if !confirmed {
		e.setStatus(ctx, id, StatusRejected, nil)
		e.publish("dispatch.rejected", u, StatusRejected, "")
		e.log.Info("dispatch rejected", slog.String("id", id))
		return nil
	}

	e.setStatus(ctx, id, StatusQueued, nil)
	e.publish("dispatch.confirmed", u, StatusQueued, "")
	e.log.Info("dispatch confirmed", slog.String("id", id))
	go e.run(context.WithoutCancel(ctx), u)
	return nil
}

// ResolveByToken applies a magic-link decision. The token must verify AND
// reference the given id; a valid token for some other unit is rejected.
func (e *Engine) ResolveByToken(ctx context.Context, id, rawToken string, confirmed bool) error {
	claims, err := e.tokens.VerifyMagicLinkToken(rawToken)
	if err != nil {
		return err
	}
	if claims.ReferenceID != id || claims.Purpose != "dispatch.confirm" {
		return fmt.Errorf("%w: token does not match dispatch %s", ErrValidation, id)
	}
	return e.Resolve(ctx, id, confirmed)
}
