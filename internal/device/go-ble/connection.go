package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/ecglink/internal/device"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// ----------------------------
// GATT Provider
// ----------------------------

// Provider dials GATT links through a go-ble device
type Provider struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewProvider creates a device.GattProvider backed by the platform BLE stack
func NewProvider(logger *logrus.Logger) (*Provider, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return &Provider{dev: dev, logger: logger}, nil
}

// Dial connects to the peripheral at address. The caller bounds the attempt through ctx.
func (p *Provider) Dial(ctx context.Context, address string) (device.GattLink, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	p.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := p.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	return newLink(address, client, p.logger), nil
}

// ----------------------------
// BLE Link
// ----------------------------

// bleLink represents a live BLE connection (notifications, writes)
type bleLink struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	mu     sync.Mutex
	closed bool
	chars  []*bleCharacteristic
}

func newLink(address string, client ble.Client, logger *logrus.Logger) *bleLink {
	return &bleLink{address: address, client: client, logger: logger}
}

func (l *bleLink) Address() string {
	return l.address
}

// Discover runs full profile discovery and returns the characteristics of service
func (l *bleLink) Discover(ctx context.Context, service string) (map[string]device.GattCharacteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.logger.WithField("address", l.address).Debug("Discovering services and characteristics...")
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	want := device.NormalizeUUID(service)
	for _, svc := range profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != want {
			continue
		}

		result := make(map[string]device.GattCharacteristic, len(svc.Characteristics))
		l.mu.Lock()
		for _, c := range svc.Characteristics {
			char := &bleCharacteristic{link: l, char: c, uuid: device.NormalizeUUID(c.UUID.String())}
			result[char.uuid] = char
			l.chars = append(l.chars, char)
		}
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"address":         l.address,
			"service_uuid":    want,
			"characteristics": len(result),
		}).Debug("Service discovered")
		return result, nil
	}

	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

// Disconnected exposes the client's link-loss channel when the platform provides one.
// Returns nil otherwise, which never fires.
func (l *bleLink) Disconnected() <-chan struct{} {
	if dc, ok := l.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	l.logger.Debug("Client does not support Disconnected() channel")
	return nil
}

// Close unsubscribes everything and cancels the connection. Safe to call more than once.
func (l *bleLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	chars := l.chars
	l.chars = nil
	l.mu.Unlock()

	for _, c := range chars {
		if c.subscribed.Load() {
			if err := c.Unsubscribe(); err != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": c.uuid,
					"error":     err,
				}).Warn("Failed to unsubscribe during disconnect")
			}
		}
	}

	err := NormalizeError(l.client.CancelConnection())
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
	} else {
		l.logger.WithField("address", l.address).Info("BLE device disconnected")
	}
	return err
}

func (l *bleLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
