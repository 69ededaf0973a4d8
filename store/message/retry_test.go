package message

import (
	"context"
	"testing"
	"time"

	"studybuddy/tools/errs"
)

func TestWithRetryRecoversTransientFault(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryConfig{Attempts: 3, Base: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errs.ErrStoreUnavailable.WrapMsg("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v after %d calls", err, calls)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultRetry(), func() error {
		calls++
		return errs.ErrSenderNotMember.WrapMsg("nope")
	})
	if calls != 1 {
		t.Fatalf("permanent error retried: %d calls", calls)
	}
	if errs.Code(err) != errs.CodeSenderNotMember {
		t.Fatalf("got %v", err)
	}
}

func TestWithRetryGivesUpEventually(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryConfig{Attempts: 3, Base: time.Millisecond}, func() error {
		calls++
		return errs.ErrStoreUnavailable.WrapMsg("down")
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errs.Retryable(err) {
		t.Fatalf("final error must stay retryable for the client: %v", err)
	}
}
