package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

// AppendWithRetry retries an append that lost a version race. It is meant for
// appends without ExpectedVersion: the next attempt simply lands on the new
// head of the stream. Every other error is returned immediately.
func AppendWithRetry(ctx context.Context, store EventStore, in domain.NewEvent, maxRetries uint64) (domain.AppendResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	var res domain.AppendResult
	op := func() error {
		var err error
		res, err = store.Append(ctx, in)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) && in.ExpectedVersion == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)); err != nil {
		return domain.AppendResult{}, err
	}
	return res, nil
}
