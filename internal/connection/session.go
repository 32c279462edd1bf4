package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
	"github.com/srg/ecglink/internal/oneshot"
	"github.com/srg/ecglink/internal/ringchan"
)

// Options configures the GATT layout and timing of a session
type Options struct {
	ServiceUUID         string        `default:"4fafc201-1fb5-459e-8fcc-c5c9c331914b"`
	CredentialsCharUUID string        `default:"beb5483e-36e1-4688-b7f5-ea07361b26a8"`
	StatusCharUUID      string        `default:"0c75a186-5972-4187-8f73-3ad9f8afc8d9"`
	ConnectTimeout      time.Duration `default:"30s"`
	WriteTimeout        time.Duration `default:"10s"`
	SuccessToken        string        `default:"Connected"`
	StateBuffer         int           `default:"16"`

	// DeviceID is reported on success. The peripheral address is used when empty.
	DeviceID string
}

// DefaultOptions returns the sensor's standard GATT layout
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Session owns the GATT link to one peripheral at a time.
// All callbacks mutate state under mu and are checked against epoch, which is bumped
// whenever the link is released so that late completions from an old link are dropped.
type Session struct {
	provider device.GattProvider
	opts     *Options
	logger   *logrus.Logger

	mu          sync.Mutex
	epoch       uint64
	state       device.ConnectionState
	peripheral  device.DiscoveredPeripheral
	link        device.GattLink
	credentials device.GattCharacteristic
	status      device.GattCharacteristic
	cancel      context.CancelFunc
	states      *ringchan.RingChannel[device.ConnectionState]
	success     *oneshot.Signal[device.ProvisioningResult]
	lastStatus  device.StatusReport
}

// NewSession creates a disconnected session. nil opts selects DefaultOptions.
func NewSession(provider device.GattProvider, opts *Options, logger *logrus.Logger) *Session {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		provider: provider,
		opts:     opts,
		logger:   logger,
		state:    device.ConnectionState{Phase: device.Disconnected},
	}
}

// ----------------------------
// Public API
// ----------------------------

// Connect starts a connection attempt and returns its state stream.
// The stream starts with Connecting and closes once the attempt ends in Disconnected or Failed.
func (s *Session) Connect(ctx context.Context, p device.DiscoveredPeripheral) (<-chan device.ConnectionState, error) {
	s.mu.Lock()
	if s.state.Phase != device.Disconnected && s.state.Phase != device.Failed {
		phase := s.state.Phase
		s.mu.Unlock()
		s.logger.WithField("address", p.Address).Warn("Connection attempt while already connected")
		return nil, &device.SessionError{State: device.AlreadyConnected, Msg: phase.String()}
	}

	s.epoch++
	epoch := s.epoch
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.peripheral = p
	s.lastStatus = device.StatusReport{}
	s.states = ringchan.New[device.ConnectionState](s.opts.StateBuffer)
	s.success = oneshot.New[device.ProvisioningResult]()
	states := s.states
	// a new attempt may start from Failed, so the stream is seeded directly
	s.state = device.ConnectionState{Phase: device.Connecting}
	s.states.Send(s.state)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"name":    p.Name,
		"timeout": s.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	groutine.Go(attemptCtx, "gatt-connect", func(ctx context.Context) {
		s.run(ctx, epoch, p)
	})
	return states.C(), nil
}

// WriteCredentials sends the Wi-Fi credentials in a single write-with-response.
// A successful write only means the sensor received them; success is reported by a status notification.
func (s *Session) WriteCredentials(ctx context.Context, creds device.WifiCredentials) error {
	s.mu.Lock()
	if s.state.Phase != device.ReadyForCredentials {
		phase := s.state.Phase
		s.mu.Unlock()
		return &device.SessionError{State: device.NotReady, Msg: phase.String()}
	}
	epoch := s.epoch
	char := s.credentials
	s.mu.Unlock()

	if err := creds.Validate(); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	if err := char.Write(writeCtx, creds.Payload()); err != nil {
		werr := &device.Error{Kind: device.KindWriteFailed, Code: device.CodeOf(err), Msg: "credentials write", Err: err}
		s.logger.WithField("error", err).Error("Failed to write credentials")
		s.release(epoch, device.ConnectionState{Phase: device.Failed, Reason: werr})
		return werr
	}

	s.logger.WithField("ssid", creds.SSID).Info("Credentials written, waiting for status")
	return nil
}

// Disconnect releases the link and returns to Disconnected. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	phase := s.state.Phase
	epoch := s.epoch
	s.mu.Unlock()

	if phase == device.Disconnected {
		s.logger.Debug("Disconnect called but already disconnected")
		return
	}
	s.release(epoch, device.ConnectionState{Phase: device.Disconnected})
}

// State returns the current connection state
func (s *Session) State() device.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peripheral returns the peripheral of the current or last attempt
func (s *Session) Peripheral() device.DiscoveredPeripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripheral
}

// LastStatus returns the most recent status notification of the current attempt
func (s *Session) LastStatus() device.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Success yields the provisioning result of the current attempt at most once.
// Returns nil before the first Connect.
func (s *Session) Success() <-chan device.ProvisioningResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.success == nil {
		return nil
	}
	return s.success.C()
}

// ----------------------------
// Attempt lifecycle
// ----------------------------

func (s *Session) run(ctx context.Context, epoch uint64, p device.DiscoveredPeripheral) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	link, err := s.provider.Dial(dialCtx, p.Address)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			s.release(epoch, device.ConnectionState{Phase: device.Disconnected})
			return
		}
		s.release(epoch, device.ConnectionState{
			Phase:  device.Failed,
			Reason: &device.Error{Kind: device.KindLinkFailed, Code: device.CodeOf(err), Msg: "dial " + p.Address, Err: err},
		})
		return
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.WithField("address", p.Address).Debug("Dropping link from a cancelled attempt")
		_ = link.Close()
		return
	}
	s.link = link
	s.setStateLocked(epoch, device.ConnectionState{Phase: device.Connected})
	s.mu.Unlock()

	groutine.Go(ctx, "gatt-link-monitor", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			s.logger.WithField("address", p.Address).Warn("Peripheral dropped the link")
			s.release(epoch, device.ConnectionState{Phase: device.Disconnected})
		case <-ctx.Done():
			s.release(epoch, device.ConnectionState{Phase: device.Disconnected})
		}
	})

	creds, status, err := s.discover(ctx, link)
	if err != nil {
		s.release(epoch, device.ConnectionState{Phase: device.Failed, Reason: err})
		return
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.credentials = creds
	s.status = status
	s.mu.Unlock()

	err = status.Subscribe(ctx, func(data []byte) {
		s.handleNotification(epoch, data)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.release(epoch, device.ConnectionState{
			Phase:  device.Failed,
			Reason: &device.Error{Kind: device.KindSubscriptionFailed, Code: device.CodeOf(err), Err: err},
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch && s.state.Phase == device.Connected {
		s.setStateLocked(epoch, device.ConnectionState{Phase: device.ReadyForCredentials})
	}
}

// discover resolves the service and both characteristics
func (s *Session) discover(ctx context.Context, link device.GattLink) (device.GattCharacteristic, device.GattCharacteristic, error) {
	chars, err := link.Discover(ctx, s.opts.ServiceUUID)
	if err != nil {
		var nf *device.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil, &device.Error{Kind: device.KindServiceNotFound, Err: err}
		}
		// transport failure during discovery
		return nil, nil, &device.Error{Kind: device.KindLinkFailed, Code: device.CodeOf(err), Msg: "discover", Err: err}
	}

	creds, ok := chars[device.NormalizeUUID(s.opts.CredentialsCharUUID)]
	if !ok {
		return nil, nil, &device.Error{Kind: device.KindCharacteristicNotFound, Err: &device.NotFoundError{
			Resource: "characteristic", UUIDs: []string{s.opts.ServiceUUID, s.opts.CredentialsCharUUID},
		}}
	}
	status, ok := chars[device.NormalizeUUID(s.opts.StatusCharUUID)]
	if !ok {
		return nil, nil, &device.Error{Kind: device.KindCharacteristicNotFound, Err: &device.NotFoundError{
			Resource: "characteristic", UUIDs: []string{s.opts.ServiceUUID, s.opts.StatusCharUUID},
		}}
	}
	if !status.CanNotify() {
		return nil, nil, &device.Error{Kind: device.KindSubscriptionFailed, Msg: "status characteristic does not notify", Err: device.ErrUnsupported}
	}

	s.logger.WithField("characteristics", len(chars)).Debug("Sensor service discovered")
	return creds, status, nil
}

func (s *Session) handleNotification(epoch uint64, data []byte) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}

	switch s.state.Phase {
	case device.Connected:
		// the notification proves the subscription is live
		s.setStateLocked(epoch, device.ConnectionState{Phase: device.ReadyForCredentials})
	case device.ReadyForCredentials:
	default:
		phase := s.state.Phase
		s.mu.Unlock()
		s.release(epoch, device.ConnectionState{
			Phase:  device.Failed,
			Reason: device.NewError(device.KindProtocolViolation, nil, "status notification in phase %s", phase),
		})
		return
	}

	report := device.ParseStatusReport(data, s.opts.SuccessToken)
	s.lastStatus = report
	deviceID := s.opts.DeviceID
	if deviceID == "" {
		deviceID = s.peripheral.Address
	}
	success := s.success
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"status":    report.Raw,
		"connected": report.Connected,
	}).Debug("Status notification")

	if report.Connected && success.Fire(device.ProvisioningResult{Provisioned: true, DeviceID: deviceID}) {
		s.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"ip":        report.IP,
		}).Info("Sensor joined the network")
	}
}

// release moves the attempt identified by epoch to a terminal state and drops the link.
// It is a no-op when the attempt was already released.
func (s *Session) release(epoch uint64, next device.ConnectionState) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.state.Phase == device.Failed && next.Phase == device.Disconnected {
		// stream already closed by the failure
		s.state = next
	} else if !s.setStateLocked(epoch, next) {
		s.mu.Unlock()
		return
	}
	s.epoch++
	link := s.link
	cancel := s.cancel
	s.link = nil
	s.credentials = nil
	s.status = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to close GATT link")
		}
	}

	entry := s.logger.WithField("state", next.Phase.String())
	if next.Reason != nil {
		entry.WithField("reason", next.Reason).Error("Connection attempt failed")
	} else {
		entry.Info("BLE device disconnected")
	}
}

// setStateLocked applies a validated transition and publishes it. Caller holds mu.
func (s *Session) setStateLocked(epoch uint64, next device.ConnectionState) bool {
	if epoch != s.epoch {
		return false
	}
	if !validTransition(s.state.Phase, next.Phase) {
		s.logger.WithFields(logrus.Fields{
			"from": s.state.Phase.String(),
			"to":   next.Phase.String(),
		}).Warn("Ignoring invalid connection transition")
		return false
	}

	s.state = next
	if s.states != nil {
		s.states.Send(next)
		if next.Terminal() {
			s.states.Close()
		}
	}
	s.logger.WithField("state", next.String()).Debug("Connection state changed")
	return true
}

func validTransition(from, to device.ConnPhase) bool {
	if to == device.Failed || to == device.Disconnected {
		return from != device.Disconnected && from != device.Failed
	}
	switch from {
	case device.Disconnected, device.Failed:
		return to == device.Connecting
	case device.Connecting:
		return to == device.Connected
	case device.Connected:
		return to == device.ReadyForCredentials
	default:
		return false
	}
}
