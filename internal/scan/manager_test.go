package scan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/scan"
	"github.com/srg/ecglink/internal/testutils"
)

type codedError struct{ code int }

func (e codedError) Error() string { return "radio failure" }
func (e codedError) Code() int     { return e.code }

type ManagerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	opts   *scan.Options
}

func (s *ManagerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.opts = scan.DefaultOptions()
	s.opts.Window = time.Minute
}

func (s *ManagerTestSuite) newManager(radio device.ScanningDevice, gate device.CapabilityGate) *scan.Manager {
	return scan.NewManager(radio, gate, s.opts, s.helper.Logger)
}

func (s *ManagerTestSuite) TestDefaultOptions() {
	opts := scan.DefaultOptions()
	s.Equal(10*time.Second, opts.Window, "default discovery window MUST be 10s")
	s.Equal(device.ServiceUUID, opts.ServiceUUID)
	s.False(opts.RequireName)
}

func (s *ManagerTestSuite) TestStartScan_DeniedWithoutCapability() {
	radio := testutils.NewFakeRadio()
	m := s.newManager(radio, device.StaticGate{Scan: false, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Nil(stream)
	s.ErrorIs(err, device.ErrCapabilityDenied, "scan without capability MUST fail with CapabilityDenied")
	s.False(m.IsScanning())
	s.Equal(0, radio.ScanCount(), "radio MUST NOT be touched")
}

func (s *ManagerTestSuite) TestStartScan_DedupsByAddress() {
	radio := testutils.NewFakeRadio(
		testutils.SensorAdvertisement("ECG", "AA:BB", -40),
		testutils.SensorAdvertisement("ECG", "AA:BB", -38),
		testutils.SensorAdvertisement("ECG-2", "CC:DD", -70),
	)
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)

	first := testutils.Receive(s.T(), stream, "first peripheral")
	second := testutils.Receive(s.T(), stream, "second peripheral")
	s.Equal("AA:BB", first.Address)
	s.Equal(-40, first.RSSI, "first sighting MUST be kept")
	s.Equal("CC:DD", second.Address)

	s.Equal([]device.DiscoveredPeripheral{first, second}, m.Peripherals(), "peripherals MUST keep first-seen order")

	// replaying the same advertisement leaves the set unchanged
	radio.Emit(testutils.SensorAdvertisement("ECG", "AA:BB", -10))
	s.Len(m.Peripherals(), 2)

	m.StopScan()
}

func (s *ManagerTestSuite) TestStartScan_FiltersForeignServices() {
	radio := testutils.NewFakeRadio(
		testutils.NewAdvertisementBuilder().WithAddress("11:11").WithName("Heart").WithServices("180D").Build(),
		testutils.NewAdvertisementBuilder().WithAddress("22:22").WithName("Bare").Build(),
		testutils.NewAdvertisementBuilder().WithAddress("33:33").
			WithServices("4FAFC201-1FB5-459E-8FCC-C5C9C331914B").Build(),
	)
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)

	p := testutils.Receive(s.T(), stream, "sensor peripheral")
	s.Equal("33:33", p.Address, "only advertisements carrying the sensor service MUST pass")

	m.StopScan()
	s.Len(testutils.Collect(s.T(), stream), 0)
}

func (s *ManagerTestSuite) TestStartScan_RequireName() {
	s.opts.RequireName = true
	radio := testutils.NewFakeRadio(
		testutils.SensorAdvertisement("", "AA:01", -50),
		testutils.SensorAdvertisement("ECG", "AA:02", -50),
	)
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	p := testutils.Receive(s.T(), stream, "named peripheral")
	s.Equal("AA:02", p.Address)
	m.StopScan()
}

func (s *ManagerTestSuite) TestStartScan_WhileScanningIsNoop() {
	radio := testutils.NewFakeRadio(testutils.SensorAdvertisement("ECG", "AA:BB", -40))
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	first, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	second, err := m.StartScan(context.Background())
	s.Require().NoError(err)

	s.Equal(first, second, "second StartScan MUST return the active stream")
	s.Eventually(func() bool { return radio.ScanCount() == 1 }, time.Second, 5*time.Millisecond)
	m.StopScan()
	s.Equal(1, radio.ScanCount(), "radio MUST be started only once")
}

func (s *ManagerTestSuite) TestWindowExpiry_EndsScanWithoutError() {
	s.opts.Window = 30 * time.Millisecond
	radio := testutils.NewFakeRadio(testutils.SensorAdvertisement("ECG", "AA:BB", -40))
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)

	got := testutils.Collect(s.T(), stream)
	s.Len(got, 1)
	s.NoError(m.Wait(context.Background()), "window expiry MUST be a normal end")
	s.False(m.IsScanning())
	s.Len(m.Peripherals(), 1, "results MUST stay readable after the window ends")
}

func (s *ManagerTestSuite) TestRadioFailure_SurfacesScanFailed() {
	radio := testutils.NewFakeRadio().FailWith(codedError{code: 2})
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	testutils.Collect(s.T(), stream)

	err = m.Wait(context.Background())
	s.ErrorIs(err, device.ErrScanFailed, "radio failure MUST surface as ScanFailed")
	s.Equal(2, device.CodeOf(err), "platform code MUST be carried")
	s.False(m.IsScanning(), "scanning flag MUST be forced false")
}

func (s *ManagerTestSuite) TestStopScan_DropsLateResults() {
	radio := testutils.NewFakeRadio()
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	s.Eventually(func() bool { return radio.ScanCount() == 1 }, time.Second, 5*time.Millisecond)

	m.StopScan()
	m.StopScan()
	radio.Emit(testutils.SensorAdvertisement("ECG", "EE:FF", -40))

	s.Empty(testutils.Collect(s.T(), stream), "results after StopScan MUST be dropped")
	s.Empty(m.Peripherals())
	s.NoError(m.Wait(context.Background()))
}

func (s *ManagerTestSuite) TestNewScanClearsPreviousResults() {
	radio := testutils.NewFakeRadio(testutils.SensorAdvertisement("ECG", "AA:BB", -40))
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	testutils.Receive(s.T(), stream, "first window")
	m.StopScan()
	s.Len(m.Peripherals(), 1)

	radio2Stream, err := m.StartScan(context.Background())
	s.Require().NoError(err)
	p := testutils.Receive(s.T(), radio2Stream, "second window")
	s.Equal("AA:BB", p.Address, "a new window MUST report peripherals again")
	m.StopScan()
}

func (s *ManagerTestSuite) TestParentCancellationEndsScan() {
	radio := testutils.NewFakeRadio()
	m := s.newManager(radio, device.StaticGate{Scan: true, Connect: true})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.StartScan(ctx)
	s.Require().NoError(err)
	cancel()

	testutils.Collect(s.T(), stream)
	err = m.Wait(context.Background())
	s.False(errors.Is(err, device.ErrScanFailed), "cancellation MUST NOT be reported as a failure")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
