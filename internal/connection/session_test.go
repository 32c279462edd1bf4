package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ecglink/internal/connection"
	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/testutils"
)

var sensor = device.DiscoveredPeripheral{Address: "AA:BB:CC:DD:EE:FF", Name: "ESP32_ECG", RSSI: -42}

type SessionTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	peripheral *testutils.SensorPeripheral
	session    *connection.Session
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.peripheral = testutils.NewSensorPeripheral()
	s.session = connection.NewSession(s.peripheral.Provider, nil, s.helper.Logger)
}

func (s *SessionTestSuite) TearDownTest() {
	s.session.Disconnect()
}

func phases(states []device.ConnectionState) []device.ConnPhase {
	out := make([]device.ConnPhase, len(states))
	for i, st := range states {
		out[i] = st.Phase
	}
	return out
}

// connectReady drives a session to ReadyForCredentials and returns the still-open stream
func (s *SessionTestSuite) connectReady() <-chan device.ConnectionState {
	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)
	s.Require().Equal(device.Connecting, testutils.Receive(s.T(), states, "connecting").Phase)
	s.Require().Equal(device.Connected, testutils.Receive(s.T(), states, "connected").Phase)
	s.Require().Equal(device.ReadyForCredentials, testutils.Receive(s.T(), states, "ready").Phase)
	return states
}

func (s *SessionTestSuite) TestDefaultOptions() {
	opts := connection.DefaultOptions()
	s.Equal(device.ServiceUUID, opts.ServiceUUID)
	s.Equal(device.CredentialsCharUUID, opts.CredentialsCharUUID)
	s.Equal(device.StatusCharUUID, opts.StatusCharUUID)
	s.Equal("Connected", opts.SuccessToken)
	s.Equal(30*time.Second, opts.ConnectTimeout)
}

func (s *SessionTestSuite) TestConnect_ReachesReadyInOrder() {
	states := s.connectReady()

	s.Equal(device.ReadyForCredentials, s.session.State().Phase)
	s.True(s.peripheral.Status.Subscribed(), "status characteristic MUST be subscribed")
	testutils.Quiet(s.T(), states, 20*time.Millisecond, "no further transitions expected")
}

func (s *SessionTestSuite) TestConnect_RejectedWhileActive() {
	s.connectReady()

	_, err := s.session.Connect(context.Background(), sensor)
	s.ErrorIs(err, device.ErrAlreadyConnected, "second Connect MUST be rejected while connected")
}

func (s *SessionTestSuite) TestConnect_DialFailure() {
	s.peripheral.Provider.FailDial(errors.New("gatt error 133"))

	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Connecting, device.Failed}, phases(got))
	s.ErrorIs(got[1].Reason, device.ErrLinkFailed, "dial failure MUST be LinkFailed")
	s.Equal(device.Failed, s.session.State().Phase)
}

func (s *SessionTestSuite) TestConnect_ServiceMissing() {
	provider := testutils.NewFakeGattProvider().WithService("180F")
	session := connection.NewSession(provider, nil, s.helper.Logger)

	states, err := session.Connect(context.Background(), sensor)
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Connecting, device.Connected, device.Failed}, phases(got))
	s.ErrorIs(got[2].Reason, device.ErrServiceNotFound)

	var nf *device.NotFoundError
	s.True(errors.As(got[2].Reason, &nf), "reason MUST carry the missing UUID")
	s.True(provider.LastLink().Closed(), "link MUST be released on failure")
}

func (s *SessionTestSuite) TestConnect_DiscoveryTransportFailure() {
	provider := testutils.NewFakeGattProvider().FailDiscover(errors.New("failed to discover profile: att timeout"))
	session := connection.NewSession(provider, nil, s.helper.Logger)

	states, err := session.Connect(context.Background(), sensor)
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Connecting, device.Connected, device.Failed}, phases(got))
	s.ErrorIs(got[2].Reason, device.ErrLinkFailed, "a transport failure during discovery MUST be LinkFailed")
	s.NotErrorIs(got[2].Reason, device.ErrServiceNotFound)
	s.True(provider.LastLink().Closed(), "link MUST be released on failure")
}

func (s *SessionTestSuite) TestConnect_CharacteristicMissing() {
	provider := testutils.NewFakeGattProvider().
		WithCharacteristic(device.ServiceUUID, testutils.NewFakeCharacteristic(device.StatusCharUUID, true))
	session := connection.NewSession(provider, nil, s.helper.Logger)

	states, err := session.Connect(context.Background(), sensor)
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), states)
	s.Require().Len(got, 3)
	s.ErrorIs(got[2].Reason, device.ErrCharacteristicNotFound)
	s.Contains(got[2].Reason.Error(), device.CredentialsCharUUID)
}

func (s *SessionTestSuite) TestConnect_SubscriptionFailure() {
	s.peripheral.Status.FailSubscribe(errors.New("cccd write rejected"))

	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Connecting, device.Connected, device.Failed}, phases(got))
	s.ErrorIs(got[2].Reason, device.ErrSubscriptionFailed)
}

func (s *SessionTestSuite) TestNotificationBeforeAck_IsImplicitAck() {
	release := make(chan struct{})
	s.peripheral.Status.NotifyDuringSubscribe([]byte("Waiting for credentials")).HoldSubscribe(release)

	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)
	testutils.Receive(s.T(), states, "connecting")
	testutils.Receive(s.T(), states, "connected")

	ready := testutils.Receive(s.T(), states, "ready before ack")
	s.Equal(device.ReadyForCredentials, ready.Phase, "early notification MUST count as the subscription ack")
	s.Equal("Waiting for credentials", s.session.LastStatus().Raw)

	close(release)
	testutils.Quiet(s.T(), states, 20*time.Millisecond, "late ack MUST NOT transition again")
}

func (s *SessionTestSuite) TestWriteCredentials_EncodesPayload() {
	s.connectReady()

	err := s.session.WriteCredentials(context.Background(), device.WifiCredentials{SSID: "Home", Password: "secret"})
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("Home;secret")}, s.peripheral.Credentials.Writes())
}

func (s *SessionTestSuite) TestWriteCredentials_RequiresReady() {
	err := s.session.WriteCredentials(context.Background(), device.WifiCredentials{SSID: "Home"})
	s.ErrorIs(err, device.ErrNotReady)
	s.Empty(s.peripheral.Credentials.Writes())
}

func (s *SessionTestSuite) TestWriteCredentials_RejectsInvalidInput() {
	s.connectReady()

	err := s.session.WriteCredentials(context.Background(), device.WifiCredentials{SSID: ""})
	s.ErrorIs(err, device.ErrInvalidSSID)
	s.Empty(s.peripheral.Credentials.Writes(), "invalid credentials MUST NOT be written")
	s.Equal(device.ReadyForCredentials, s.session.State().Phase, "validation failure MUST NOT end the session")
}

func (s *SessionTestSuite) TestWriteCredentials_FailureTerminatesSession() {
	states := s.connectReady()
	s.peripheral.Credentials.FailWrite(errors.New("write not permitted"))

	err := s.session.WriteCredentials(context.Background(), device.WifiCredentials{SSID: "Home", Password: "x"})
	s.ErrorIs(err, device.ErrWriteFailed)

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Failed}, phases(got))
	s.True(s.peripheral.Provider.LastLink().Closed())
}

func (s *SessionTestSuite) TestSuccessNotification_FiresOnce() {
	s.peripheral.ReplyOnWrite("Connected! IP: 192.168.7.42")
	s.connectReady()

	s.Require().NoError(s.session.WriteCredentials(context.Background(), device.WifiCredentials{SSID: "Home", Password: "secret"}))

	result := testutils.Receive(s.T(), s.session.Success(), "success event")
	s.True(result.Provisioned)
	s.Equal(sensor.Address, result.DeviceID, "device id MUST default to the peripheral address")
	s.Equal("192.168.7.42", s.session.LastStatus().IP)

	s.peripheral.Status.Notify([]byte("Connected! IP: 192.168.7.42"))
	testutils.Quiet(s.T(), s.session.Success(), 20*time.Millisecond, "success MUST fire at most once per attempt")
}

func (s *SessionTestSuite) TestSuccessNotification_UsesConfiguredDeviceID() {
	opts := connection.DefaultOptions()
	opts.DeviceID = "ESP32_ECG_01"
	session := connection.NewSession(s.peripheral.Provider, opts, s.helper.Logger)
	defer session.Disconnect()

	states, err := session.Connect(context.Background(), sensor)
	s.Require().NoError(err)
	for st := range states {
		if st.Phase == device.ReadyForCredentials {
			break
		}
	}

	s.peripheral.Status.Notify([]byte("Connected"))
	result := testutils.Receive(s.T(), session.Success(), "success event")
	s.Equal("ESP32_ECG_01", result.DeviceID)
}

func (s *SessionTestSuite) TestNonSuccessStatus_DoesNotFire() {
	s.connectReady()
	s.peripheral.Status.Notify([]byte("Failed: wrong password"))

	s.Equal("Failed: wrong password", s.session.LastStatus().Raw)
	testutils.Quiet(s.T(), s.session.Success(), 20*time.Millisecond, "failure status MUST NOT report success")
}

func (s *SessionTestSuite) TestDisconnect_IdempotentAndReleases() {
	states := s.connectReady()

	s.session.Disconnect()
	s.session.Disconnect()

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Disconnected}, phases(got))
	s.Equal(device.Disconnected, s.session.State().Phase)
	s.True(s.peripheral.Provider.LastLink().Closed(), "link MUST be closed")

	// notifications from the released link are dropped
	s.peripheral.Status.Notify([]byte("Connected"))
	s.Equal(device.Disconnected, s.session.State().Phase)
	testutils.Quiet(s.T(), s.session.Success(), 20*time.Millisecond, "stale notification MUST NOT report success")
}

func (s *SessionTestSuite) TestDisconnect_CancelsPendingDial() {
	release := make(chan struct{})
	defer close(release)
	s.peripheral.Provider.HoldDial(release)

	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)
	testutils.Receive(s.T(), states, "connecting")

	s.session.Disconnect()
	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Disconnected}, phases(got))
	s.Empty(s.peripheral.Provider.Links(), "cancelled dial MUST NOT produce a link")
}

func (s *SessionTestSuite) TestLinkLoss_ReturnsToDisconnected() {
	states := s.connectReady()

	s.peripheral.Provider.LastLink().Drop()

	got := testutils.Collect(s.T(), states)
	s.Equal([]device.ConnPhase{device.Disconnected}, phases(got))
	s.Equal(device.Disconnected, s.session.State().Phase)
}

func (s *SessionTestSuite) TestReconnectAfterFailure() {
	s.peripheral.Provider.FailDial(errors.New("timeout"))
	states, err := s.session.Connect(context.Background(), sensor)
	s.Require().NoError(err)
	testutils.Collect(s.T(), states)
	s.Equal(device.Failed, s.session.State().Phase)

	s.peripheral.Provider.FailDial(nil)
	s.connectReady()
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
