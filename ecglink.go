// Package ecglink wires the provisioning pipeline and the tracking pipeline of the ECG wearable
// into one application: pairing hands the provisioned device to the backend claim and then to
// the recording controller.
package ecglink

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/api"
	"github.com/srg/ecglink/internal/connection"
	"github.com/srg/ecglink/internal/device"
	goble "github.com/srg/ecglink/internal/device/go-ble"
	"github.com/srg/ecglink/internal/provision"
	"github.com/srg/ecglink/internal/samplebuf"
	"github.com/srg/ecglink/internal/scan"
	"github.com/srg/ecglink/internal/stream"
	"github.com/srg/ecglink/internal/tracking"
	"github.com/srg/ecglink/pkg/config"
)

// ErrNoIdentity is returned by an IdentityProvider that has no signed-in user
var ErrNoIdentity = errors.New("no signed-in user")

// IdentityProvider supplies the bearer token used to claim a provisioned device
type IdentityProvider interface {
	Token(ctx context.Context) (string, error)
}

// Deps are the host integrations. Nil radio and GATT provider select the go-ble adapter,
// a nil gate grants everything.
type Deps struct {
	Radio        device.ScanningDevice
	Gatt         device.GattProvider
	Gate         device.CapabilityGate
	Identity     IdentityProvider
	HTTPClient   *http.Client
	StreamHeader http.Header
}

// App owns one instance of every pipeline component
type App struct {
	cfg      *config.Config
	logger   *logrus.Logger
	identity IdentityProvider

	scanner    *scan.Manager
	session    *connection.Session
	machine    *provision.Machine
	api        *api.Client
	controller *tracking.Controller
}

func New(cfg *config.Config, deps Deps, logger *logrus.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if deps.Gate == nil {
		deps.Gate = device.StaticGate{Scan: true, Connect: true}
	}
	if deps.Radio == nil {
		radio, err := goble.NewScanner()
		if err != nil {
			return nil, device.NewError(device.KindScanFailed, err, "open radio")
		}
		deps.Radio = radio
	}
	if deps.Gatt == nil {
		provider, err := goble.NewProvider(logger)
		if err != nil {
			return nil, device.NewError(device.KindLinkFailed, err, "open GATT provider")
		}
		deps.Gatt = provider
	}

	client, err := api.NewClient(cfg.APIOptions(), deps.HTTPClient, logger)
	if err != nil {
		return nil, err
	}

	scanner := scan.NewManager(deps.Radio, deps.Gate, cfg.ScanOptions(), logger)
	session := connection.NewSession(deps.Gatt, cfg.SessionOptions(), logger)
	controller := tracking.NewController(
		cfg.TrackingOptions(),
		samplebuf.New(cfg.Tracking.BufferCapacity),
		stream.NewDialer(cfg.StreamOptions(), deps.StreamHeader, logger),
		client,
		logger,
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		identity:   deps.Identity,
		scanner:    scanner,
		session:    session,
		machine:    provision.NewMachine(deps.Gate, scanner, session, logger),
		api:        client,
		controller: controller,
	}, nil
}

func (a *App) Scanner() *scan.Manager           { return a.scanner }
func (a *App) Session() *connection.Session     { return a.session }
func (a *App) Provisioning() *provision.Machine { return a.machine }
func (a *App) API() *api.Client                 { return a.api }
func (a *App) Tracking() *tracking.Controller   { return a.controller }

// Run hands every provisioning success to the backend claim and the tracking controller
// until ctx ends. A failed claim is logged; the device is still selected for recording.
func (a *App) Run(ctx context.Context) error {
	a.logger.Debug("Waiting for provisioned devices")
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-a.machine.Success():
			a.adopt(ctx, result)
		}
	}
}

// Close stops any recording and drops the BLE connection
func (a *App) Close() {
	a.controller.Stop()
	a.machine.ResetAndDisconnect()
}

func (a *App) adopt(ctx context.Context, result device.ProvisioningResult) {
	logger := a.logger.WithField("device_id", result.DeviceID)
	if err := a.claim(ctx, result.DeviceID); err != nil {
		logger.WithField("error", err).Warn("Device not claimed")
	} else {
		logger.Info("Device claimed")
	}
	a.controller.SetDeviceID(result.DeviceID)
}

func (a *App) claim(ctx context.Context, deviceID string) error {
	if a.identity == nil {
		return device.NewError(device.KindClaimFailed, ErrNoIdentity, "claim %s", deviceID)
	}
	token, err := a.identity.Token(ctx)
	if err != nil {
		return device.NewError(device.KindClaimFailed, err, "token for %s", deviceID)
	}
	_, err = a.api.ClaimDevice(ctx, token, deviceID)
	return err
}
