package helpers

import (
	"time"

	"github.com/fhir-harness/fhir-test-harness/framework/opt"
)

// NonBlockingSend returns false instead of blocking if the channel is full.
func NonBlockingSend[V any](ch chan<- V, value V) bool {
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// TryReceive waits up to timeout for a value.
func TryReceive[V any](ch <-chan V, timeout time.Duration) opt.Maybe[V] {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case value := <-ch:
		return opt.Some(value)
	case <-deadline.C:
		return opt.None[V]()
	}
}

// RequireValueWithMessage receives a value, or fails the test and stops it if none arrives in time.
// Mock endpoints use this to wait for the server under test to call back.
func RequireValueWithMessage[V any](
	t TestContext,
	ch <-chan V,
	timeout time.Duration,
	msgFormat string,
	msgArgs ...interface{},
) V {
	t.Helper()
	received := TryReceive(ch, timeout)
	if !received.IsDefined() {
		t.Errorf(msgFormat, msgArgs...)
		t.FailNow()
	}
	return received.Value()
}

// RequireNoMoreValuesWithMessage fails the test and stops it if a value arrives within the timeout.
func RequireNoMoreValuesWithMessage[V any](
	t TestContext,
	ch <-chan V,
	timeout time.Duration,
	msgFormat string,
	msgArgs ...interface{},
) {
	t.Helper()
	if TryReceive(ch, timeout).IsDefined() {
		t.Errorf(msgFormat, msgArgs...)
		t.FailNow()
	}
}
