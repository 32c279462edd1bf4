package testutils

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/srg/ecglink/internal/device"
)

// MockStatusFetcher implements poller.Fetcher for testing
type MockStatusFetcher struct {
	mock.Mock
	calls atomic.Int32
}

func (m *MockStatusFetcher) FetchStatus(ctx context.Context, deviceID string) (device.SessionStatus, error) {
	m.calls.Add(1)
	args := m.Called(ctx, deviceID)
	return args.Get(0).(device.SessionStatus), args.Error(1)
}

// Calls returns how many fetches were made
func (m *MockStatusFetcher) Calls() int {
	return int(m.calls.Load())
}
