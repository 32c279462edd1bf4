package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
	"github.com/srg/ecglink/internal/ringchan"
)

// Options configures a discovery window
type Options struct {
	Window       time.Duration `default:"10s"`
	ServiceUUID  string        `default:"4fafc201-1fb5-459e-8fcc-c5c9c331914b"`
	RequireName  bool          `default:"false"`
	StreamBuffer int           `default:"32"`
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Manager runs bounded discovery windows and keeps the set of peripherals seen in the current one
type Manager struct {
	radio  device.ScanningDevice
	gate   device.CapabilityGate
	opts   *Options
	logger *logrus.Logger

	mu       sync.Mutex
	epoch    uint64
	scanning bool
	seen     *orderedmap.OrderedMap[string, device.DiscoveredPeripheral]
	events   *ringchan.RingChannel[device.DiscoveredPeripheral]
	task     *groutine.Task
	done     chan struct{}
	err      error
}

// NewManager creates a scan manager. nil opts selects DefaultOptions.
func NewManager(radio device.ScanningDevice, gate device.CapabilityGate, opts *Options, logger *logrus.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		radio:  radio,
		gate:   gate,
		opts:   opts,
		logger: logger,
		seen:   orderedmap.New[string, device.DiscoveredPeripheral](),
	}
}

// StartScan opens a discovery window. Each matching peripheral is emitted once on the
// returned stream, which closes when the window ends. Calling StartScan while a window
// is open returns the active stream.
func (m *Manager) StartScan(ctx context.Context) (<-chan device.DiscoveredPeripheral, error) {
	if m.gate == nil || !m.gate.ScanGranted() {
		m.logger.Warn("Scan requested without scan capability")
		return nil, device.NewError(device.KindCapabilityDenied, nil, "scan capability not granted")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning {
		m.logger.Debug("StartScan called while already scanning")
		return m.events.C(), nil
	}

	m.epoch++
	epoch := m.epoch
	m.scanning = true
	m.err = nil
	m.seen = orderedmap.New[string, device.DiscoveredPeripheral]()
	m.events = ringchan.New[device.DiscoveredPeripheral](m.opts.StreamBuffer)
	m.done = make(chan struct{})

	m.logger.WithFields(logrus.Fields{
		"window":  m.opts.Window,
		"service": m.opts.ServiceUUID,
	}).Info("Starting BLE scan...")

	handler := func(adv device.Advertisement) {
		m.handleAdvertisement(epoch, adv)
	}
	m.task = groutine.Start(ctx, "scan-window", func(taskCtx context.Context) {
		windowCtx, cancel := context.WithTimeout(taskCtx, m.opts.Window)
		defer cancel()
		m.finish(epoch, m.radio.Scan(windowCtx, false, handler))
	})

	return m.events.C(), nil
}

// StopScan ends the current window. Safe to call at any time.
func (m *Manager) StopScan() {
	m.mu.Lock()
	if !m.scanning {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.scanning = false
	m.events.Close()
	close(m.done)
	task := m.task
	m.task = nil
	count := m.seen.Len()
	m.mu.Unlock()

	task.Cancel()
	m.logger.WithField("device_count", count).Info("BLE scan stopped")
}

// Wait blocks until the current window ends. Returns nil for a normal end or
// a ScanFailed error when the radio reported a failure.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsScanning reports whether a discovery window is open
func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Peripherals returns the peripherals seen in the current or last window, in first-seen order
func (m *Manager) Peripherals() []device.DiscoveredPeripheral {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]device.DiscoveredPeripheral, 0, m.seen.Len())
	for pair := m.seen.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// handleAdvertisement dedups by address and drops results that belong to a stopped window
func (m *Manager) handleAdvertisement(epoch uint64, adv device.Advertisement) {
	if !m.matches(adv) {
		return
	}

	p := device.DiscoveredPeripheral{
		Address: adv.Addr(),
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || !m.scanning {
		return
	}
	if _, exists := m.seen.Get(p.Address); exists {
		return
	}
	m.seen.Set(p.Address, p)
	m.events.Send(p)

	m.logger.WithFields(logrus.Fields{
		"device":  p.Name,
		"address": p.Address,
		"rssi":    p.RSSI,
	}).Info("Discovered new device")
}

func (m *Manager) matches(adv device.Advertisement) bool {
	if adv.Addr() == "" {
		return false
	}
	if m.opts.RequireName && adv.LocalName() == "" {
		return false
	}
	if m.opts.ServiceUUID == "" {
		return true
	}
	for _, svc := range adv.Services() {
		if device.SameUUID(svc, m.opts.ServiceUUID) {
			return true
		}
	}
	return false
}

// finish closes the window unless StopScan already did
func (m *Manager) finish(epoch uint64, scanErr error) {
	if errors.Is(scanErr, context.Canceled) || errors.Is(scanErr, context.DeadlineExceeded) {
		scanErr = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || !m.scanning {
		return
	}
	m.scanning = false
	m.task = nil
	if scanErr != nil {
		code := device.CodeOf(scanErr)
		m.err = &device.Error{Kind: device.KindScanFailed, Code: code, Msg: fmt.Sprintf("radio reported code %d", code), Err: scanErr}
		m.logger.WithField("error", scanErr).Error("BLE scan failed")
	} else {
		m.logger.WithField("device_count", m.seen.Len()).Info("BLE scan completed")
	}
	m.events.Close()
	close(m.done)
}
