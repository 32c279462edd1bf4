// Package stream is the client side of the backend's live ECG socket.
package stream

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
	"github.com/srg/ecglink/internal/groutine"
)

// CloseReason is sent with the normal closure frame on Close
const CloseReason = "Closing by user"

type Options struct {
	URL              string        `default:"ws://192.168.7.85:8000/ws"`
	HandshakeTimeout time.Duration `default:"10s"`
	// Time allowed to write a frame to the peer
	WriteWait time.Duration `default:"10s"`
	// Time allowed to read the next pong from the peer
	PongWait       time.Duration `default:"60s"`
	MaxMessageSize int64         `default:"1048576"`
	// ECG batches waiting for dispatch. Oldest batches are overwritten when handlers fall behind;
	// predictions are queued separately and never overwritten.
	QueueSize uint32 `default:"256"`
}

func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// pingPeriod must stay below PongWait
func (o *Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Handlers receive decoded events on a single dispatcher goroutine.
// OnClose is called once, with nil after Close or the peer's normal closure.
type Handlers struct {
	OnECG        func(ECGBatch)
	OnPrediction func(device.PredictionSnapshot)
	OnClose      func(err error)
}

// Metrics are cumulative counters of one connection
type Metrics struct {
	Received    uint64
	Malformed   uint64
	Overwritten uint64
}

type Dialer struct {
	opts   *Options
	header http.Header
	logger *logrus.Logger
}

// NewDialer creates a dialer. nil opts selects DefaultOptions.
func NewDialer(opts *Options, header http.Header, logger *logrus.Logger) *Dialer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dialer{opts: opts, header: header, logger: logger}
}

// Open connects to the stream endpoint and starts the pumps.
// A non-empty deviceID is passed as the device_id query parameter.
func (d *Dialer) Open(ctx context.Context, deviceID string, h Handlers) (*Conn, error) {
	target, err := url.Parse(d.opts.URL)
	if err != nil {
		return nil, device.NewError(device.KindSocketError, err, "invalid stream URL %q", d.opts.URL)
	}
	if deviceID != "" {
		q := target.Query()
		q.Set("device_id", deviceID)
		target.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target.String(), d.header)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, &device.Error{Kind: device.KindSocketError, Code: code, Msg: "dial " + target.String(), Err: err}
	}

	c := &Conn{
		ws:       ws,
		opts:     d.opts,
		handlers: h,
		queue:    mpmc.NewOverlappedRingBuffer[queued](d.opts.QueueSize),
		notify:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		logger: d.logger.WithFields(logrus.Fields{
			"url":       target.String(),
			"device_id": deviceID,
		}),
	}
	c.logger.Info("Stream connected")

	var pumps sync.WaitGroup
	pumps.Add(3)
	groutine.Go(context.Background(), "stream-read", func(context.Context) {
		defer pumps.Done()
		c.readPump()
	})
	groutine.Go(context.Background(), "stream-ping", func(context.Context) {
		defer pumps.Done()
		c.pingPump()
	})
	groutine.Go(context.Background(), "stream-dispatch", func(context.Context) {
		defer pumps.Done()
		c.dispatch()
	})
	groutine.Go(context.Background(), "stream-finish", func(context.Context) {
		pumps.Wait()
		c.finish()
	})
	return c, nil
}

// queued tags an event with its arrival order across both queues
type queued struct {
	seq uint64
	ev  Event
}

// Conn is one live stream connection
type Conn struct {
	ws       *websocket.Conn
	opts     *Options
	handlers Handlers
	logger   *logrus.Entry

	seq    uint64 // read pump only
	queue  mpmc.RichOverlappedRingBuffer[queued]
	notify chan struct{}

	predMu      sync.Mutex
	predictions []queued

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   chan struct{} // closed by Close
	readDone  chan struct{} // closed when the read pump exits
	done      chan struct{} // closed after OnClose returned
	readErr   error

	received    atomic.Uint64
	malformed   atomic.Uint64
	overwritten atomic.Uint64
}

// Close sends a normal closure frame, stops the pumps and waits for OnClose. Idempotent.
// Must not be called from a handler; use CloseAsync there.
func (c *Conn) Close() {
	c.CloseAsync()
	<-c.done
}

// CloseAsync starts closing without waiting. Safe from handlers.
func (c *Conn) CloseAsync() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReason)
		err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		c.writeMu.Unlock()
		if err != nil {
			// peer is gone, unblock the reader directly
			_ = c.ws.Close()
		} else {
			// the peer gets WriteWait to echo the closure frame
			time.AfterFunc(c.opts.WriteWait, func() { _ = c.ws.Close() })
		}
		c.logger.Debug("Stream close requested")
	})
}

// Done is closed once the connection has fully shut down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Metrics() Metrics {
	return Metrics{
		Received:    c.received.Load(),
		Malformed:   c.malformed.Load(),
		Overwritten: c.overwritten.Load(),
	}
}

// ----------------------------
// Pumps
// ----------------------------

func (c *Conn) readPump() {
	defer close(c.readDone)

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = c.classify(err)
			return
		}
		c.received.Add(1)

		ev, err := Decode(frame)
		if err != nil {
			c.malformed.Add(1)
			c.logger.WithField("error", err).Warn("Dropping malformed stream message")
			continue
		}
		if !ev.Known() {
			c.logger.WithField("type", ev.Type).Debug("Ignoring stream message of unknown type")
			continue
		}

		c.seq++
		item := queued{seq: c.seq, ev: ev}
		if ev.Prediction != nil {
			c.predMu.Lock()
			c.predictions = append(c.predictions, item)
			c.predMu.Unlock()
			c.signal()
			continue
		}

		overwrites, err := c.queue.EnqueueM(item)
		if err != nil {
			c.logger.WithField("error", err).Error("Unexpected stream queue error")
			continue
		}
		if overwrites > 0 {
			c.overwritten.Add(uint64(overwrites))
			c.logger.WithField("overwritten", overwrites).Warn("Stream consumer is behind, dropped oldest ECG batches")
		}
		c.signal()
	}
}

func (c *Conn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// classify maps a read error to the connection's terminal error, nil for a normal end
func (c *Conn) classify(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("Stream closed by peer")
		return nil
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.WithField("error", err).Error("Stream closed unexpectedly")
	} else {
		c.logger.WithField("error", err).Error("Stream read failed")
	}
	return device.NewError(device.KindSocketError, err, "stream read")
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-c.readDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithField("error", err).Debug("Stream ping failed")
				return
			}
		}
	}
}

// dispatch drains the queue into the handlers until the read pump exits
func (c *Conn) dispatch() {
	for {
		select {
		case <-c.notify:
			c.drain()
		case <-c.readDone:
			c.drain()
			return
		}
	}
}

// drain delivers queued batches and predictions in arrival order.
// A prediction is visible only after every earlier batch was enqueued.
func (c *Conn) drain() {
	for {
		if !c.queue.IsEmpty() {
			item, err := c.queue.Dequeue()
			if err == nil {
				c.deliverPredictions(item.seq)
				c.deliver(item.ev)
				continue
			}
			c.logger.WithField("error", err).Debug("Stream queue drained")
		}
		seq, ok := c.nextPrediction()
		if !ok {
			return
		}
		if c.queue.IsEmpty() {
			c.deliverPredictions(seq)
		}
	}
}

// nextPrediction peeks the arrival order of the oldest pending prediction
func (c *Conn) nextPrediction() (uint64, bool) {
	c.predMu.Lock()
	defer c.predMu.Unlock()
	if len(c.predictions) == 0 {
		return 0, false
	}
	return c.predictions[0].seq, true
}

// deliverPredictions delivers pending predictions that arrived before seq
func (c *Conn) deliverPredictions(seq uint64) {
	for {
		c.predMu.Lock()
		if len(c.predictions) == 0 || c.predictions[0].seq > seq {
			c.predMu.Unlock()
			return
		}
		item := c.predictions[0]
		c.predictions = c.predictions[1:]
		c.predMu.Unlock()
		c.deliver(item.ev)
	}
}

func (c *Conn) deliver(ev Event) {
	select {
	case <-c.closing:
		// nothing is delivered after Close
		return
	default:
	}
	switch {
	case ev.ECG != nil && c.handlers.OnECG != nil:
		c.handlers.OnECG(*ev.ECG)
	case ev.Prediction != nil && c.handlers.OnPrediction != nil:
		c.handlers.OnPrediction(*ev.Prediction)
	}
}

func (c *Conn) finish() {
	_ = c.ws.Close()
	m := c.Metrics()
	c.logger.WithFields(logrus.Fields{
		"received":    m.Received,
		"malformed":   m.Malformed,
		"overwritten": m.Overwritten,
	}).Info("Stream disconnected")
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(c.readErr)
	}
	close(c.done)
}
