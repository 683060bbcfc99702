package repository

import (
	"context"
	"errors"
	"time"

	"cupid-crypto/pkg/apperr"
)

// withTimeout runs fn under a derived context with the store's
// configured operation timeout, translating a deadline exceeded (or any
// other context error) into apperr.StoreUnavailable (§5: "store
// operations should have a bounded timeout").
func withTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.StoreUnavailable, "store operation timed out", err)
		}
		return err
	case <-ctx.Done():
		return apperr.Wrap(apperr.StoreUnavailable, "store operation timed out", ctx.Err())
	}
}
