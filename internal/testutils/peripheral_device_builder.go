package testutils

import (
	"context"
	"sync"

	"github.com/srg/ecglink/internal/device"
)

// ----------------------------
// Fake characteristic
// ----------------------------

// FakeCharacteristic records writes and lets tests push notifications
type FakeCharacteristic struct {
	uuid   string
	notify bool

	mu                    sync.Mutex
	handler               func([]byte)
	writes                [][]byte
	subscribeErr          error
	writeErr              error
	onWrite               func(data []byte)
	notifyDuringSubscribe []byte
	blockSubscribe        chan struct{}
}

func NewFakeCharacteristic(uuid string, notify bool) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: device.NormalizeUUID(uuid), notify: notify}
}

func (c *FakeCharacteristic) UUID() string    { return c.uuid }
func (c *FakeCharacteristic) CanNotify() bool { return c.notify }

func (c *FakeCharacteristic) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	if err == nil {
		c.writes = append(c.writes, append([]byte(nil), data...))
	}
	onWrite := c.onWrite
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if onWrite != nil {
		onWrite(data)
	}
	return nil
}

func (c *FakeCharacteristic) Subscribe(ctx context.Context, handler func([]byte)) error {
	c.mu.Lock()
	err := c.subscribeErr
	early := c.notifyDuringSubscribe
	block := c.blockSubscribe
	if err == nil {
		c.handler = handler
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if early != nil {
		handler(early)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *FakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	return nil
}

// Notify pushes a notification to the subscriber, if any. Returns false when nobody is subscribed.
func (c *FakeCharacteristic) Notify(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Writes returns a copy of every successful write
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

func (c *FakeCharacteristic) FailSubscribe(err error) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
	return c
}

func (c *FakeCharacteristic) FailWrite(err error) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
	return c
}

// OnWrite runs fn after each successful write, outside the characteristic lock
func (c *FakeCharacteristic) OnWrite(fn func(data []byte)) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
	return c
}

// NotifyDuringSubscribe delivers data to the handler before Subscribe returns
func (c *FakeCharacteristic) NotifyDuringSubscribe(data []byte) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyDuringSubscribe = data
	return c
}

// HoldSubscribe makes Subscribe block until release is closed
func (c *FakeCharacteristic) HoldSubscribe(release chan struct{}) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockSubscribe = release
	return c
}

// ----------------------------
// Fake link and provider
// ----------------------------

// FakeGattLink is a device.GattLink over in-memory characteristics
type FakeGattLink struct {
	provider     *FakeGattProvider
	address      string
	disconnected chan struct{}

	mu       sync.Mutex
	closed   bool
	dropOnce sync.Once
}

func (l *FakeGattLink) Address() string { return l.address }

func (l *FakeGattLink) Discover(ctx context.Context, service string) (map[string]device.GattCharacteristic, error) {
	p := l.provider
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	chars, ok := p.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	out := make(map[string]device.GattCharacteristic, len(chars))
	for k, v := range chars {
		out[k] = v
	}
	return out, nil
}

func (l *FakeGattLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *FakeGattLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *FakeGattLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Drop simulates the peripheral going away
func (l *FakeGattLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// FakeGattProvider is a scripted device.GattProvider
type FakeGattProvider struct {
	mu          sync.Mutex
	services    map[string]map[string]*FakeCharacteristic
	dialErr     error
	dialGate    chan struct{}
	discoverErr error
	links       []*FakeGattLink
}

func NewFakeGattProvider() *FakeGattProvider {
	return &FakeGattProvider{services: make(map[string]map[string]*FakeCharacteristic)}
}

// SensorPeripheral is a provider exposing the sensor's service with both characteristics
type SensorPeripheral struct {
	Provider    *FakeGattProvider
	Credentials *FakeCharacteristic
	Status      *FakeCharacteristic
}

// NewSensorPeripheral builds the standard sensor profile
func NewSensorPeripheral() *SensorPeripheral {
	p := NewFakeGattProvider()
	creds := NewFakeCharacteristic(device.CredentialsCharUUID, false)
	status := NewFakeCharacteristic(device.StatusCharUUID, true)
	p.WithCharacteristic(device.ServiceUUID, creds).WithCharacteristic(device.ServiceUUID, status)
	return &SensorPeripheral{Provider: p, Credentials: creds, Status: status}
}

// ReplyOnWrite makes the status characteristic answer every credentials write with reply
func (s *SensorPeripheral) ReplyOnWrite(reply string) *SensorPeripheral {
	s.Credentials.OnWrite(func([]byte) {
		s.Status.Notify([]byte(reply))
	})
	return s
}

func (p *FakeGattProvider) WithCharacteristic(service string, c *FakeCharacteristic) *FakeGattProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := device.NormalizeUUID(service)
	if p.services[svc] == nil {
		p.services[svc] = make(map[string]*FakeCharacteristic)
	}
	p.services[svc][c.UUID()] = c
	return p
}

// WithService registers an empty service
func (p *FakeGattProvider) WithService(service string) *FakeGattProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := device.NormalizeUUID(service)
	if p.services[svc] == nil {
		p.services[svc] = make(map[string]*FakeCharacteristic)
	}
	return p
}

func (p *FakeGattProvider) FailDial(err error) *FakeGattProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
	return p
}

func (p *FakeGattProvider) FailDiscover(err error) *FakeGattProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
	return p
}

// HoldDial makes Dial block until release is closed or the dial context ends
func (p *FakeGattProvider) HoldDial(release chan struct{}) *FakeGattProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialGate = release
	return p
}

func (p *FakeGattProvider) Dial(ctx context.Context, address string) (device.GattLink, error) {
	p.mu.Lock()
	gate := p.dialGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	link := &FakeGattLink{provider: p, address: address, disconnected: make(chan struct{})}
	p.links = append(p.links, link)
	return link, nil
}

// Links returns every link dialed so far
func (p *FakeGattProvider) Links() []*FakeGattLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeGattLink(nil), p.links...)
}

// LastLink returns the most recent link or nil
func (p *FakeGattProvider) LastLink() *FakeGattLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}
