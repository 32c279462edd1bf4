// Package poller periodically fetches the backend's view of a recording session.
package poller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
)

// DefaultInterval is the wait between two status fetches
const DefaultInterval = 20 * time.Second

// Fetcher retrieves the current session status of a device
type Fetcher interface {
	FetchStatus(ctx context.Context, deviceID string) (device.SessionStatus, error)
}

type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	logger   *logrus.Logger
}

// New creates a poller. A non-positive interval selects DefaultInterval.
func New(fetcher Fetcher, interval time.Duration, logger *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{fetcher: fetcher, interval: interval, logger: logger}
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls deviceID until the task is cancelled or active reports false.
// The first fetch happens immediately. Failed fetches are logged and skipped,
// onStatus only sees successful responses. Cancellation interrupts both the fetch and the wait.
func (p *Poller) Run(ctx context.Context, deviceID string, active func() bool, onStatus func(device.SessionStatus)) *groutine.Task {
	return groutine.Start(ctx, "status-poller", func(ctx context.Context) {
		logger := p.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"interval":  p.interval,
		})
		logger.Debug("Status polling started")
		defer logger.Debug("Status polling stopped")

		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if active != nil && !active() {
				return
			}

			status, err := p.fetcher.FetchStatus(ctx, deviceID)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				if device.KindOf(err) == "" {
					err = &device.Error{Kind: device.KindPollFailed, Code: device.CodeOf(err), Msg: deviceID, Err: err}
				}
				logger.WithField("error", err).Warn("Status poll failed, keeping previous status")
			default:
				logger.WithFields(logrus.Fields{
					"ready":   status.Ready,
					"elapsed": status.ElapsedSeconds,
					"samples": status.SampleCount,
					"chunks":  status.ChunkCount,
				}).Debug("Status poll")
				onStatus(status)
			}

			timer.Reset(p.interval)
		}
	})
}
