package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds every asynchronous expectation in tests
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Receive reads one value from ch or fails the test after DefaultWait
func Receive[T any](t *testing.T, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "%s: channel closed", msg)
		return v
	case <-time.After(DefaultWait):
		require.FailNow(t, "timed out waiting", msg)
	}
	var zero T
	return zero
}

// Collect drains ch until it closes, failing the test if it stays open past DefaultWait
func Collect[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	deadline := time.After(DefaultWait)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			require.FailNow(t, "channel was not closed in time", "received so far: %v", out)
			return out
		}
	}
}

// Quiet asserts nothing arrives on ch for the given period
func Quiet[T any](t *testing.T, ch <-chan T, period time.Duration, msg string) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			require.FailNow(t, "unexpected value", "%s: %v", msg, v)
		}
	case <-time.After(period):
	}
}

// WaitClosed fails the test unless ch is closed within DefaultWait
func WaitClosed[T any](t *testing.T, ch <-chan T, msg string) {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(t, "channel was not closed in time", msg)
			return
		}
	}
}
