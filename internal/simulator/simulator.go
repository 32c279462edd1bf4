// Package simulator is an in-process stand-in for the ECG backend: status, claim and prediction
// endpoints plus the live stream socket. Tests drive it directly, cmd/ecgsim serves it.
package simulator

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
	"github.com/srg/ecglink/internal/stream"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	// Generator tick
	Interval time.Duration `default:"250ms"`
	// Samples per generated batch
	BatchSize int `default:"125"`
	// Recording length after which a session becomes ready
	SessionLength time.Duration `default:"300s"`
	// Session seconds that pass per wall-clock second
	TimeScale float64 `default:"1"`
}

func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

type deviceState struct {
	mu         sync.Mutex
	status     device.SessionStatus
	prediction *device.PredictionSnapshot
	owner      string
	failStatus int
	phase      float64
}

// Simulator holds per-device state and the connected stream clients
type Simulator struct {
	opts   *Options
	logger *logrus.Logger
	engine *gin.Engine

	devices *hashmap.Map[string, *deviceState]
	clients *hashmap.Map[string, *client]
}

func New(opts *Options, logger *logrus.Logger) *Simulator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Simulator{
		opts:    opts,
		logger:  logger,
		devices: hashmap.New[string, *deviceState](),
		clients: hashmap.New[string, *client](),
	}
	s.engine = s.routes()
	return s
}

// Handler serves the backend API
func (s *Simulator) Handler() http.Handler {
	return s.engine
}

// ----------------------------
// Test controls
// ----------------------------

func (s *Simulator) state(deviceID string) *deviceState {
	st, _ := s.devices.GetOrInsert(deviceID, &deviceState{status: device.SessionStatus{DeviceID: deviceID}})
	return st
}

// SetStatus replaces the status served for deviceID
func (s *Simulator) SetStatus(status device.SessionStatus) {
	st := s.state(status.DeviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
}

// FailStatus makes status requests for deviceID answer with code. Zero restores normal answers.
func (s *Simulator) FailStatus(deviceID string, code int) {
	st := s.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failStatus = code
}

// SetPrediction stores the snapshot served by the predictions endpoint
func (s *Simulator) SetPrediction(deviceID string, snapshot device.PredictionSnapshot) {
	st := s.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prediction = &snapshot
}

// Owner returns the token deviceID was claimed with
func (s *Simulator) Owner(deviceID string) (string, bool) {
	st, ok := s.devices.Get(deviceID)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.owner, st.owner != ""
}

// Clients returns the number of stream clients subscribed to deviceID
func (s *Simulator) Clients(deviceID string) int {
	n := 0
	s.clients.Range(func(_ string, c *client) bool {
		if c.deviceID == deviceID {
			n++
		}
		return true
	})
	return n
}

// PushECG sends an ecg frame to every client of deviceID
func (s *Simulator) PushECG(deviceID string, samples []float64) int {
	frame, err := stream.EncodeECG(stream.ECGBatch{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Samples:   samples,
	})
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to encode ecg frame")
		return 0
	}
	return s.PushRaw(deviceID, frame)
}

// PushPrediction stores snapshot and sends it to every client of deviceID
func (s *Simulator) PushPrediction(deviceID string, snapshot device.PredictionSnapshot) int {
	s.SetPrediction(deviceID, snapshot)
	frame, err := stream.EncodePrediction(deviceID, snapshot)
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to encode prediction frame")
		return 0
	}
	return s.PushRaw(deviceID, frame)
}

// PushRaw sends frame unchanged to every client of deviceID and returns how many accepted it
func (s *Simulator) PushRaw(deviceID string, frame []byte) int {
	sent := 0
	s.clients.Range(func(_ string, c *client) bool {
		if c.deviceID == deviceID && c.send(frame) {
			sent++
		}
		return true
	})
	return sent
}

// DisconnectAll drops every stream client without a closing handshake
func (s *Simulator) DisconnectAll() {
	s.clients.Range(func(_ string, c *client) bool {
		_ = c.conn.Close()
		return true
	})
}

// ----------------------------
// Generator
// ----------------------------

// Generate streams synthetic samples to connected devices until ctx ends.
// Each tick advances the session clock; when it reaches SessionLength the session turns ready
// and a prediction is pushed.
func (s *Simulator) Generate(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	step := s.opts.Interval.Seconds() * s.opts.TimeScale

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active := make(map[string]struct{})
		s.clients.Range(func(_ string, c *client) bool {
			if c.deviceID != "" {
				active[c.deviceID] = struct{}{}
			}
			return true
		})
		for id := range active {
			s.tick(id, step)
		}
	}
}

func (s *Simulator) tick(deviceID string, step float64) {
	st := s.state(deviceID)
	st.mu.Lock()
	if st.status.Ready {
		st.mu.Unlock()
		return
	}
	samples := make([]float64, s.opts.BatchSize)
	for i := range samples {
		samples[i] = syntheticSample(st.phase)
		st.phase += 1.0 / float64(s.opts.BatchSize)
	}
	st.status.ElapsedSeconds += step
	st.status.ChunkCount++
	st.status.SampleCount += len(samples)
	done := st.status.ElapsedSeconds >= s.opts.SessionLength.Seconds()
	if done {
		st.status.Ready = true
	}
	st.mu.Unlock()

	s.PushECG(deviceID, samples)
	if done {
		s.logger.WithField("device_id", deviceID).Info("Session complete, publishing prediction")
		s.PushPrediction(deviceID, samplePrediction(deviceID))
	}
}

// syntheticSample is a crude beat shape at one beat per unit of phase
func syntheticSample(phase float64) float64 {
	_, frac := math.Modf(phase)
	spike := math.Exp(-math.Pow((frac-0.3)/0.02, 2))
	wave := 0.15 * math.Exp(-math.Pow((frac-0.6)/0.08, 2))
	return spike + wave
}

func samplePrediction(deviceID string) device.PredictionSnapshot {
	return device.PredictionSnapshot{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Arrhythmia: &device.ArrhythmiaResult{
			Prediction:    "Normal",
			Probabilities: map[string]float64{"Normal": 0.93, "AFib": 0.05, "Other": 0.02},
		},
		Beat: &device.BeatDistribution{Distribution: map[string]int{"N": 351, "S": 2, "V": 1}},
		Stress: &device.StressResult{
			Prediction:    0,
			Level:         "Low",
			Probabilities: map[string]float64{"Low": 0.81, "High": 0.19},
		},
	}
}

// ----------------------------
// HTTP
// ----------------------------

func (s *Simulator) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	// GET /health
	// Output: {"status": "ok"}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// GET /ws?device_id=ESP32_ECG_01
	r.GET("/ws", s.handleWebSocket)

	// GET /status/:id
	// Output: {"device_id": "...", "ready": false, "duration_sec": 40, "chunks": 8, "samples": 2000}
	r.GET("/status/:id", s.handleStatus)

	// POST /claim-device
	// Input: {"device_id": "..."} with a bearer token
	// Output: {"status": "success", "message": "..."}
	r.POST("/claim-device", s.handleClaim)

	// GET /predictions/:id
	r.GET("/predictions/:id", s.handlePrediction)
	return r
}

func (s *Simulator) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed":    time.Since(start),
			"request_id": c.GetHeader("X-Request-ID"),
		}).Debug("Simulator request")
	}
}

func (s *Simulator) handleStatus(c *gin.Context) {
	st, ok := s.devices.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "unknown device"})
		return
	}
	st.mu.Lock()
	status, fail := st.status, st.failStatus
	st.mu.Unlock()

	if fail != 0 {
		c.JSON(fail, gin.H{"detail": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Simulator) handleClaim(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "device_id is required"})
		return
	}

	st := s.state(req.DeviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.owner != "" && st.owner != token {
		c.JSON(http.StatusConflict, gin.H{"status": "error", "message": "device already claimed"})
		return
	}
	st.owner = token
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "device " + req.DeviceID + " claimed"})
}

func (s *Simulator) handlePrediction(c *gin.Context) {
	st, ok := s.devices.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "unknown device"})
		return
	}
	st.mu.Lock()
	prediction := st.prediction
	st.mu.Unlock()
	if prediction == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no prediction yet"})
		return
	}
	c.JSON(http.StatusOK, prediction)
}

// ----------------------------
// Stream socket
// ----------------------------

type client struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	out      chan []byte
	once     sync.Once
	gone     chan struct{}
}

func (c *client) send(frame []byte) bool {
	select {
	case <-c.gone:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *client) drop() {
	c.once.Do(func() { close(c.gone) })
}

func (s *Simulator) handleWebSocket(c *gin.Context) {
	deviceID := c.Query("device_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithField("error", err).Warn("Failed to upgrade connection")
		return
	}

	cl := &client{
		id:       uuid.New().String(),
		deviceID: deviceID,
		conn:     conn,
		out:      make(chan []byte, 256),
		gone:     make(chan struct{}),
	}
	if deviceID != "" {
		s.state(deviceID)
	}
	s.clients.Set(cl.id, cl)
	s.logger.WithFields(logrus.Fields{
		"client":    cl.id,
		"device_id": deviceID,
	}).Info("Stream client connected")

	groutine.Go(context.Background(), "sim-write", func(context.Context) { s.writePump(cl) })
	groutine.Go(context.Background(), "sim-read", func(context.Context) { s.readPump(cl) })
}

// readPump only services control frames; it ends the client on any read error
func (s *Simulator) readPump(cl *client) {
	defer func() {
		s.clients.Del(cl.id)
		cl.drop()
		s.logger.WithField("client", cl.id).Info("Stream client disconnected")
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithField("error", err).Warn("Stream client error")
			}
			return
		}
	}
}

func (s *Simulator) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-cl.gone:
			return
		case frame := <-cl.out:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				cl.drop()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.drop()
				return
			}
		}
	}
}
