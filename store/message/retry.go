package message

import (
	"context"
	"time"

	"studybuddy/tools/errs"
)

// RetryConfig bounds how long the protocol layer keeps retrying a transient
// store fault before surfacing a retryable error to the client. Never an
// unbounded loop: the client must eventually learn the send did not happen.
type RetryConfig struct {
	Attempts int
	Base     time.Duration
}

func DefaultRetry() RetryConfig {
	return RetryConfig{Attempts: 3, Base: 100 * time.Millisecond}
}

// WithRetry runs fn, retrying with exponential backoff only while the error
// is retryable (ErrStoreUnavailable). Authorization and validation failures
// return immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	backoff := cfg.Base
	var err error
	for i := 0; i < cfg.Attempts; i++ {
		if err = fn(); err == nil || !errs.Retryable(err) {
			return err
		}
		if i == cfg.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
