package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
)

// Retry wraps a non-streaming call with exponential backoff on transient
// errors. Streaming calls are never retried automatically: a retried stream
// would duplicate partial output, so that decision stays with the caller.
func Retry(ctx context.Context, maxAttempts uint64, fn func() (*Completion, error)) (*Completion, error) {
	var result *Completion

	op := func() error {
		c, err := fn()
		if err != nil {
			if apperr.KindOf(err) == apperr.KindTransientNetwork {
				return err
			}
			return backoff.Permanent(err)
		}
		result = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
