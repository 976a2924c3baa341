package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"contestbot/internal/logging"
)

// Retrying decorates a Mirror with exponential backoff. With Retries at zero
// it makes exactly one attempt.
type Retrying struct {
	Mirror     Mirror
	Retries    int
	Initial    time.Duration
	MaxBackoff time.Duration
}

// Append tries the wrapped mirror until it succeeds, the retry budget is
// spent, or ctx ends.
func (r Retrying) Append(ctx context.Context, row Row) error {
	if r.Retries <= 0 {
		return r.Mirror.Append(ctx, row)
	}

	policy := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		policy.InitialInterval = r.Initial
	}
	if r.MaxBackoff > 0 {
		policy.MaxInterval = r.MaxBackoff
	}
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := r.Mirror.Append(ctx, row)
		if err != nil && attempt <= r.Retries {
			logging.LedgerDebug("Ledger append attempt %d for %s failed: %v", attempt, rowKey(row), err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.Retries)), ctx))
}
