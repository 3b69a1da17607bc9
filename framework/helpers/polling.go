package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by PollUntil when the condition was never satisfied.
var ErrPollTimeout = errors.New("timed out while polling")

// PollUntil calls fn at intervals until it returns true or an error, or until the timeout elapses or
// the context is cancelled. The first call happens immediately. This is how the harness waits for
// asynchronous server jobs such as $export and $import.
func PollUntil(ctx context.Context, interval, timeout time.Duration, fn func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w (after %s)", ErrPollTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AssertEventually is like assert.Eventually from testify, except that it does not use a separate
// goroutine, so FailNow calls inside testFn still work with the e2e test scope. It calls testFn
// repeatedly until it returns true; if the timeout elapses first, the test fails.
func AssertEventually(
	t TestContext,
	testFn func() bool,
	timeout time.Duration,
	interval time.Duration,
	failureMsgFormat string,
	failureMsgArgs ...interface{},
) bool {
	t.Helper()
	err := PollUntil(context.Background(), interval, timeout, func() (bool, error) { return testFn(), nil })
	if err == nil {
		return true
	}
	t.Errorf(failureMsgFormat, failureMsgArgs...)
	return false
}

// RequireEventually is AssertEventually followed by FailNow on failure.
func RequireEventually(
	t TestContext,
	testFn func() bool,
	timeout time.Duration,
	interval time.Duration,
	failureMsgFormat string,
	failureMsgArgs ...interface{},
) {
	t.Helper()
	if !AssertEventually(t, testFn, timeout, interval, failureMsgFormat, failureMsgArgs...) {
		t.FailNow()
	}
}
