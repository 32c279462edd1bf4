// Package tracking runs recording sessions: it owns the stream socket, the status poller
// and the sample buffer for the duration of one recording.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
	"github.com/srg/ecglink/internal/poller"
	"github.com/srg/ecglink/internal/samplebuf"
	"github.com/srg/ecglink/internal/stream"
)

type Phase int

const (
	Idle Phase = iota
	Recording
	// Finalizing is Recording close to the target duration, nothing else changes
	Finalizing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

type Options struct {
	Target       time.Duration `default:"300s"`
	PollInterval time.Duration `default:"20s"`
	// Device recorded from until SetDeviceID replaces it
	DeviceID string
}

func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// StreamOpener connects the live sample stream of a device
type StreamOpener interface {
	Open(ctx context.Context, deviceID string, h stream.Handlers) (*stream.Conn, error)
}

// Controller is the single owner of a recording session.
// Socket and poller callbacks carry the epoch of the session that started them and are
// dropped once a newer session started or the phase went back to Idle.
type Controller struct {
	opts    *Options
	buffer  *samplebuf.Buffer
	streams StreamOpener
	poller  *poller.Poller
	logger  *logrus.Logger

	mu         sync.Mutex
	epoch      uint64
	phase      Phase
	deviceID   string
	sessionID  string
	status     *device.SessionStatus
	prediction *device.PredictionSnapshot
	conn       *stream.Conn
	task       *groutine.Task
}

func NewController(opts *Options, buffer *samplebuf.Buffer, streams StreamOpener, fetcher poller.Fetcher, logger *logrus.Logger) *Controller {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if buffer == nil {
		buffer = samplebuf.New(0)
	}
	return &Controller{
		opts:     opts,
		buffer:   buffer,
		streams:  streams,
		poller:   poller.New(fetcher, opts.PollInterval, logger),
		logger:   logger,
		deviceID: opts.DeviceID,
	}
}

// ----------------------------
// Commands
// ----------------------------

// Toggle starts a recording from Idle and stops it otherwise
func (c *Controller) Toggle(ctx context.Context) error {
	if c.Phase() == Idle {
		return c.Start(ctx)
	}
	c.Stop()
	return nil
}

// Start enters Recording: fresh buffer, no prediction, new session id, then the socket and a new poller.
// No-op unless Idle. A socket failure returns to Idle with a SocketError.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != Idle {
		c.mu.Unlock()
		return nil
	}
	if c.deviceID == "" {
		c.mu.Unlock()
		return &device.SessionError{State: device.NotReady, Msg: "no provisioned device"}
	}
	c.epoch++
	epoch := c.epoch
	c.phase = Recording
	c.buffer.Clear()
	c.prediction = nil
	c.status = nil
	c.sessionID = uuid.New().String()
	deviceID, sessionID := c.deviceID, c.sessionID
	c.mu.Unlock()

	logger := c.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"session_id": sessionID,
	})
	logger.Info("Recording started")

	conn, err := c.streams.Open(ctx, deviceID, c.handlers(epoch))
	if err != nil {
		if device.KindOf(err) == "" {
			err = device.NewError(device.KindSocketError, err, "open stream")
		}
		c.mu.Lock()
		if c.epoch == epoch && c.phase != Idle {
			c.phase = Idle
		}
		c.mu.Unlock()
		logger.WithField("error", err).Error("Failed to open stream, recording aborted")
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch || c.phase == Idle {
		c.mu.Unlock()
		logger.Debug("Recording stopped while the stream was opening")
		conn.Close()
		return nil
	}
	c.conn = conn
	c.task = c.poller.Run(context.Background(), deviceID, c.active(epoch), func(st device.SessionStatus) {
		c.onStatus(epoch, st)
	})
	c.mu.Unlock()
	return nil
}

// Stop returns to Idle and clears the status. Waits for the poller and the socket to finish.
// No-op when Idle. Must not be called from stream handlers.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.phase == Idle {
		c.mu.Unlock()
		return
	}
	c.status = nil
	conn, task := c.idleLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	task.Stop()
	if conn != nil {
		conn.Close()
	}
	c.logger.WithField("session_id", sessionID).Info("Recording stopped")
}

// SetDeviceID selects the device for the next recording
func (c *Controller) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = id
}

// ----------------------------
// Observers
// ----------------------------

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SessionID identifies the current or last recording
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status returns the last polled status, if any
func (c *Controller) Status() (device.SessionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return device.SessionStatus{}, false
	}
	return *c.status, true
}

// Prediction returns the last delivered prediction, if any
func (c *Controller) Prediction() (device.PredictionSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prediction == nil {
		return device.PredictionSnapshot{}, false
	}
	return *c.prediction, true
}

// Buffer is the sample buffer fed by the stream
func (c *Controller) Buffer() *samplebuf.Buffer {
	return c.buffer
}

// ----------------------------
// Callbacks
// ----------------------------

func (c *Controller) handlers(epoch uint64) stream.Handlers {
	return stream.Handlers{
		OnECG: func(batch stream.ECGBatch) {
			c.onECG(epoch, batch)
		},
		OnPrediction: func(snapshot device.PredictionSnapshot) {
			c.onPrediction(epoch, snapshot)
		},
		OnClose: func(err error) {
			if err != nil {
				c.logger.WithField("error", err).Warn("Stream lost, waiting for the status poller")
			}
		},
	}
}

func (c *Controller) active(epoch uint64) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.epoch == epoch && c.phase != Idle
	}
}

func (c *Controller) onECG(epoch uint64, batch stream.ECGBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.phase == Idle {
		return
	}
	c.buffer.Append(batch.Samples)
}

func (c *Controller) onStatus(epoch uint64, st device.SessionStatus) {
	c.mu.Lock()
	if c.epoch != epoch || c.phase == Idle {
		c.mu.Unlock()
		return
	}
	c.status = &st

	if st.Ready {
		conn, task := c.idleLocked()
		c.mu.Unlock()
		// running on the poller goroutine
		task.Cancel()
		if conn != nil {
			conn.CloseAsync()
		}
		c.logger.WithFields(logrus.Fields{
			"samples": st.SampleCount,
			"elapsed": st.ElapsedSeconds,
		}).Info("Recording complete")
		return
	}

	threshold := (c.opts.Target - c.opts.PollInterval).Seconds()
	if c.phase == Recording && st.ElapsedSeconds >= threshold {
		c.phase = Finalizing
		c.logger.WithField("elapsed", st.ElapsedSeconds).Info("Recording is finalizing")
	}
	c.mu.Unlock()
}

// onPrediction replaces the snapshot even when Idle; a prediction ends an active recording
func (c *Controller) onPrediction(epoch uint64, snapshot device.PredictionSnapshot) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.prediction = &snapshot
	if c.phase == Idle {
		c.mu.Unlock()
		return
	}
	conn, task := c.idleLocked()
	c.mu.Unlock()

	// running on the stream dispatcher
	task.Cancel()
	if conn != nil {
		conn.CloseAsync()
	}
	c.logger.WithField("timestamp", snapshot.Timestamp).Info("Prediction received, recording complete")
}

// idleLocked moves to Idle and detaches the socket and poller for the caller to release. Caller holds mu.
func (c *Controller) idleLocked() (*stream.Conn, *groutine.Task) {
	c.phase = Idle
	conn, task := c.conn, c.task
	c.conn, c.task = nil, nil
	return conn, task
}
