// Package provision sequences the pairing flow: scan, connect, credential entry and confirmation.
package provision

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
	"github.com/srg/ecglink/internal/oneshot"
	"github.com/srg/ecglink/internal/ringchan"
)

// Stage is the position of the pairing flow
type Stage int

const (
	Checklist Stage = iota
	Pairing
	CredentialEntry
)

func (s Stage) String() string {
	switch s {
	case Checklist:
		return "checklist"
	case Pairing:
		return "pairing"
	case CredentialEntry:
		return "credential_entry"
	default:
		return "unknown"
	}
}

// Scanner is the part of the scan manager the machine drives
type Scanner interface {
	StartScan(ctx context.Context) (<-chan device.DiscoveredPeripheral, error)
	StopScan()
}

// Connector is the part of the connection session the machine drives
type Connector interface {
	Connect(ctx context.Context, p device.DiscoveredPeripheral) (<-chan device.ConnectionState, error)
	WriteCredentials(ctx context.Context, creds device.WifiCredentials) error
	Disconnect()
	State() device.ConnectionState
	Success() <-chan device.ProvisioningResult
}

// Machine owns the stage cursor and the provisioning result.
// Session events are applied only while their epoch matches, ResetAndDisconnect bumps it.
type Machine struct {
	gate    device.CapabilityGate
	scanner Scanner
	session Connector
	logger  *logrus.Logger

	mu      sync.Mutex
	epoch   uint64
	stage   Stage
	result  *device.ProvisioningResult
	success *oneshot.Signal[device.ProvisioningResult]
	results *ringchan.RingChannel[device.ProvisioningResult]
}

func NewMachine(gate device.CapabilityGate, scanner Scanner, session Connector, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		gate:    gate,
		scanner: scanner,
		session: session,
		logger:  logger,
		stage:   Checklist,
		success: oneshot.New[device.ProvisioningResult](),
		results: ringchan.New[device.ProvisioningResult](1),
	}
}

// BeginPairing enters Pairing and starts discovery. Both scan and connect capabilities are required
// and the session must not hold a live connection.
func (m *Machine) BeginPairing(ctx context.Context) (<-chan device.DiscoveredPeripheral, error) {
	if !m.gate.ScanGranted() || !m.gate.ConnectGranted() {
		return nil, device.NewError(device.KindCapabilityDenied, nil, "scan and connect capabilities are required")
	}

	// a live connection must be reset before pairing again
	if phase := m.session.State().Phase; phase != device.Disconnected && phase != device.Failed {
		return nil, &device.SessionError{State: device.AlreadyConnected, Msg: phase.String()}
	}

	m.mu.Lock()
	if m.stage == CredentialEntry {
		m.mu.Unlock()
		return nil, &device.SessionError{State: device.WrongStage, Msg: CredentialEntry.String()}
	}
	prev := m.stage
	m.stage = Pairing
	m.mu.Unlock()

	found, err := m.scanner.StartScan(ctx)
	if err != nil {
		m.mu.Lock()
		if m.stage == Pairing {
			m.stage = prev
		}
		m.mu.Unlock()
		return nil, err
	}
	m.logger.Info("Pairing started")
	return found, nil
}

// Connect stops discovery and starts a connection attempt to p. Only valid while Pairing.
// A rejected attempt returns to the checklist.
// ctx bounds the whole attempt, cancelling it disconnects.
func (m *Machine) Connect(ctx context.Context, p device.DiscoveredPeripheral) error {
	m.mu.Lock()
	if m.stage != Pairing {
		stage := m.stage
		m.mu.Unlock()
		return &device.SessionError{State: device.WrongStage, Msg: stage.String()}
	}
	epoch := m.epoch
	m.mu.Unlock()

	m.scanner.StopScan()

	states, err := m.session.Connect(ctx, p)
	if err != nil {
		m.mu.Lock()
		if epoch == m.epoch && m.stage == Pairing {
			m.stage = Checklist
		}
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"address": p.Address,
			"error":   err,
		}).Warn("Connection attempt rejected, returning to checklist")
		return err
	}
	success := m.session.Success()

	groutine.Go(context.WithoutCancel(ctx), "provision-follow", func(context.Context) {
		m.follow(epoch, states, success)
	})
	return nil
}

// OpenCredentialEntry moves to CredentialEntry once the session accepts credentials
func (m *Machine) OpenCredentialEntry() error {
	if phase := m.session.State().Phase; phase != device.ReadyForCredentials {
		return &device.SessionError{State: device.NotReady, Msg: phase.String()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = CredentialEntry
	return nil
}

// SubmitCredentials forwards creds to the session. Only valid in CredentialEntry.
func (m *Machine) SubmitCredentials(ctx context.Context, creds device.WifiCredentials) error {
	m.mu.Lock()
	if m.stage != CredentialEntry {
		stage := m.stage
		m.mu.Unlock()
		return &device.SessionError{State: device.WrongStage, Msg: stage.String()}
	}
	m.mu.Unlock()

	if err := m.session.WriteCredentials(ctx, creds); err != nil {
		m.logger.WithFields(logrus.Fields{
			"ssid":  creds.SSID,
			"error": err,
		}).Warn("Credentials were not delivered")
		return err
	}
	return nil
}

// CancelCredentialEntry returns to the checklist, the connection stays up
func (m *Machine) CancelCredentialEntry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stage == CredentialEntry {
		m.stage = Checklist
	}
}

// ResetAndDisconnect drops the connection, the scan and the result, and re-arms the success signal.
// An unread success is discarded. Safe to call any number of times in any stage.
func (m *Machine) ResetAndDisconnect() {
	m.mu.Lock()
	m.epoch++
	m.stage = Checklist
	m.result = nil
	if m.success.Fired() {
		m.success = oneshot.New[device.ProvisioningResult]()
	}
	if n := m.results.Drain(); n > 0 {
		m.logger.WithField("dropped", n).Debug("Discarded unread provisioning result")
	}
	m.mu.Unlock()

	m.scanner.StopScan()
	m.session.Disconnect()
	m.logger.Debug("Provisioning reset")
}

// Stage returns the current stage
func (m *Machine) Stage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// Result returns the provisioning result, if one is set
func (m *Machine) Result() (device.ProvisioningResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		return device.ProvisioningResult{}, false
	}
	return *m.result, true
}

// Success yields each provisioning result once. A result is produced at most once between resets.
func (m *Machine) Success() <-chan device.ProvisioningResult {
	return m.results.C()
}

// ----------------------------
// Session events
// ----------------------------

func (m *Machine) follow(epoch uint64, states <-chan device.ConnectionState, success <-chan device.ProvisioningResult) {
	for {
		select {
		case st, ok := <-states:
			if !ok {
				// success fired right before the attempt ended is still delivered
				select {
				case r := <-success:
					m.succeed(epoch, r)
				default:
				}
				return
			}
			m.onState(epoch, st)
		case r := <-success:
			m.succeed(epoch, r)
			success = nil
		}
	}
}

func (m *Machine) onState(epoch uint64, st device.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}

	switch st.Phase {
	case device.ReadyForCredentials:
		if m.stage == Pairing {
			m.stage = Checklist
		}
	case device.Failed, device.Disconnected:
		if m.stage != Checklist {
			m.logger.WithFields(logrus.Fields{
				"stage": m.stage.String(),
				"state": st.String(),
			}).Warn("Connection ended, returning to checklist")
		}
		m.stage = Checklist
	}
}

func (m *Machine) succeed(epoch uint64, r device.ProvisioningResult) {
	m.mu.Lock()
	if epoch != m.epoch || m.result != nil {
		m.mu.Unlock()
		return
	}
	m.result = &r
	m.stage = Checklist
	// sent under the lock so a concurrent reset drains it
	fired := m.success.Fire(r)
	if fired {
		m.results.Send(r)
	}
	m.mu.Unlock()

	if fired {
		m.logger.WithField("device_id", r.DeviceID).Info("Device provisioned")
	}
}
