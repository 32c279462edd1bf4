package simulator_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/simulator"
	"github.com/srg/ecglink/internal/stream"
	"github.com/srg/ecglink/internal/testutils"
)

const sensorID = "ESP32_ECG_01"

type SimulatorTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	json   *testutils.JSONAsserter
	sim    *simulator.Simulator
	server *httptest.Server
}

func (s *SimulatorTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.json = testutils.NewJSONAsserter(s.T())
	s.sim = simulator.New(nil, s.helper.Logger)
	s.server = httptest.NewServer(s.sim.Handler())
}

func (s *SimulatorTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *SimulatorTestSuite) request(method, path, token, body string) (int, string) {
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

func (s *SimulatorTestSuite) dial(deviceID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?device_id=" + deviceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	s.Eventually(func() bool { return s.sim.Clients(deviceID) >= 1 }, testutils.DefaultWait, 5*time.Millisecond)
	return conn
}

func (s *SimulatorTestSuite) readFrame(conn *websocket.Conn) []byte {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(testutils.DefaultWait)))
	kind, frame, err := conn.ReadMessage()
	s.Require().NoError(err)
	s.Equal(websocket.TextMessage, kind)
	return frame
}

func (s *SimulatorTestSuite) TestHealth() {
	code, body := s.request(http.MethodGet, "/health", "", "")
	s.Equal(http.StatusOK, code)
	s.json.Assert(body, `{"status":"ok"}`)
}

func (s *SimulatorTestSuite) TestStatus() {
	code, _ := s.request(http.MethodGet, "/status/"+sensorID, "", "")
	s.Equal(http.StatusNotFound, code, "unknown devices MUST NOT have a status")

	s.sim.SetStatus(device.SessionStatus{DeviceID: sensorID, ElapsedSeconds: 40, ChunkCount: 8, SampleCount: 2000})
	code, body := s.request(http.MethodGet, "/status/"+sensorID, "", "")
	s.Equal(http.StatusOK, code)
	s.json.WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(body, `{"device_id":"ESP32_ECG_01","ready":false,"duration_sec":40,"chunks":8,"samples":2000}`)

	s.sim.FailStatus(sensorID, http.StatusServiceUnavailable)
	code, _ = s.request(http.MethodGet, "/status/"+sensorID, "", "")
	s.Equal(http.StatusServiceUnavailable, code)

	s.sim.FailStatus(sensorID, 0)
	code, _ = s.request(http.MethodGet, "/status/"+sensorID, "", "")
	s.Equal(http.StatusOK, code, "clearing the failure MUST restore status answers")
}

func (s *SimulatorTestSuite) TestClaim() {
	tests := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{name: "missing token", body: `{"device_id":"ESP32_ECG_01"}`, code: http.StatusUnauthorized},
		{name: "missing device", token: "alice", body: `{}`, code: http.StatusBadRequest},
		{name: "malformed body", token: "alice", body: `{"device_id":`, code: http.StatusBadRequest},
		{name: "first claim", token: "alice", body: `{"device_id":"ESP32_ECG_01"}`, code: http.StatusOK},
		{name: "same owner again", token: "alice", body: `{"device_id":"ESP32_ECG_01"}`, code: http.StatusOK},
		{name: "other owner", token: "bob", body: `{"device_id":"ESP32_ECG_01"}`, code: http.StatusConflict},
	}

	for _, tt := range tests {
		code, body := s.request(http.MethodPost, "/claim-device", tt.token, tt.body)
		s.Equal(tt.code, code, tt.name)
		if code == http.StatusOK {
			s.json.Assert(body, `{"status":"success","message":"<<PRESENCE>>"}`)
		}
	}

	owner, ok := s.sim.Owner(sensorID)
	s.True(ok)
	s.Equal("alice", owner)
}

func (s *SimulatorTestSuite) TestPredictions() {
	code, _ := s.request(http.MethodGet, "/predictions/"+sensorID, "", "")
	s.Equal(http.StatusNotFound, code)

	s.sim.SetStatus(device.SessionStatus{DeviceID: sensorID})
	code, _ = s.request(http.MethodGet, "/predictions/"+sensorID, "", "")
	s.Equal(http.StatusNotFound, code, "a known device without a result MUST answer 404")

	s.sim.SetPrediction(sensorID, device.PredictionSnapshot{
		Timestamp:  "2025-01-01T10:05:00Z",
		Arrhythmia: &device.ArrhythmiaResult{Prediction: "AFib", Probabilities: map[string]float64{"AFib": 0.8}},
	})
	code, body := s.request(http.MethodGet, "/predictions/"+sensorID, "", "")
	s.Equal(http.StatusOK, code)
	s.json.Assert(body, `{"timestamp":"2025-01-01T10:05:00Z","arrhythmia":{"prediction":"AFib","probabilities":{"AFib":0.8}}}`)
}

func (s *SimulatorTestSuite) TestPushToStreamClients() {
	conn := s.dial(sensorID)
	s.dial("ESP32_ECG_02")

	s.Equal(1, s.sim.PushECG(sensorID, []float64{0.5, 1.5}), "only clients of the device MUST receive")
	s.json.Assert(string(s.readFrame(conn)),
		`{"type":"ecg","device_id":"ESP32_ECG_01","timestamp":"<<PRESENCE>>","ecg_data":[0.5,1.5]}`)

	s.Equal(1, s.sim.PushPrediction(sensorID, device.PredictionSnapshot{Timestamp: "t", Stress: &device.StressResult{Level: "Low"}}))
	ev, err := stream.Decode(s.readFrame(conn))
	s.Require().NoError(err)
	s.Require().NotNil(ev.Prediction)
	s.Equal("Low", ev.Prediction.Stress.Level)

	s.Equal(0, s.sim.PushRaw("nobody", []byte(`{}`)))
}

func (s *SimulatorTestSuite) TestClientDisconnect() {
	conn := s.dial(sensorID)
	s.Require().NoError(conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, stream.CloseReason), time.Now().Add(time.Second)))

	s.Eventually(func() bool { return s.sim.Clients(sensorID) == 0 }, testutils.DefaultWait, 5*time.Millisecond,
		"a closed client MUST be forgotten")
	s.Equal(0, s.sim.PushECG(sensorID, []float64{1}))
}

func (s *SimulatorTestSuite) TestDisconnectAll() {
	conn := s.dial(sensorID)
	s.sim.DisconnectAll()

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(testutils.DefaultWait)))
	_, _, err := conn.ReadMessage()
	s.Error(err, "the client MUST see the connection drop")
	s.Eventually(func() bool { return s.sim.Clients(sensorID) == 0 }, testutils.DefaultWait, 5*time.Millisecond)
}

func (s *SimulatorTestSuite) TestGenerate_CompletesSession() {
	opts := simulator.DefaultOptions()
	opts.Interval = 10 * time.Millisecond
	opts.BatchSize = 4
	opts.SessionLength = time.Second
	opts.TimeScale = 50
	s.sim = simulator.New(opts, s.helper.Logger)
	s.server.Close()
	s.server = httptest.NewServer(s.sim.Handler())

	conn := s.dial(sensorID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sim.Generate(ctx)

	var batches int
	var prediction *device.PredictionSnapshot
	for prediction == nil {
		ev, err := stream.Decode(s.readFrame(conn))
		s.Require().NoError(err)
		switch {
		case ev.ECG != nil:
			batches++
			s.Len(ev.ECG.Samples, 4)
		case ev.Prediction != nil:
			prediction = ev.Prediction
		}
	}
	s.Equal(2, batches, "half a second per tick MUST complete a one second session in two batches")
	s.Equal(sensorID, prediction.DeviceID)
	s.Require().NotNil(prediction.Arrhythmia)

	code, body := s.request(http.MethodGet, "/status/"+sensorID, "", "")
	s.Equal(http.StatusOK, code)
	s.json.Assert(body, `{"device_id":"ESP32_ECG_01","ready":true,"chunks":2,"samples":8}`)

	code, _ = s.request(http.MethodGet, "/predictions/"+sensorID, "", "")
	s.Equal(http.StatusOK, code)
}

func (s *SimulatorTestSuite) TestRequestIDIsAccepted() {
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/claim-device", bytes.NewBufferString(`{"device_id":"x"}`))
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func TestSimulatorTestSuite(t *testing.T) {
	suite.Run(t, new(SimulatorTestSuite))
}
