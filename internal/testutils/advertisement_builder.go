package testutils

import (
	"context"
	"sync"

	"github.com/srg/ecglink/internal/device"
)

// FakeAdvertisement is a static device.Advertisement
type FakeAdvertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceList []string
	NotConnect  bool
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Services() []string { return a.ServiceList }
func (a *FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) Connectable() bool  { return !a.NotConnect }

// AdvertisementBuilder builds fake advertisements with a fluent API
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder starts a connectable advertisement with no services
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// SensorAdvertisement is a connectable advertisement carrying the sensor service
func SensorAdvertisement(name, address string, rssi int) device.Advertisement {
	return NewAdvertisementBuilder().
		WithName(name).
		WithAddress(address).
		WithRSSI(rssi).
		WithServices(device.ServiceUUID).
		Build()
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs. UUIDs can be in short form or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceList = append(b.adv.ServiceList, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.NotConnect = !connectable
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceList = append([]string(nil), b.adv.ServiceList...)
	return &adv
}

// FakeRadio is a scripted device.ScanningDevice.
// Scan delivers the configured advertisements, then returns Err if set,
// otherwise blocks until the scan context ends.
type FakeRadio struct {
	mu             sync.Mutex
	advertisements []device.Advertisement
	err            error
	handler        func(device.Advertisement)
	scans          int
}

func NewFakeRadio(advs ...device.Advertisement) *FakeRadio {
	return &FakeRadio{advertisements: advs}
}

// FailWith makes subsequent scans fail after delivering advertisements
func (r *FakeRadio) FailWith(err error) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	return r
}

func (r *FakeRadio) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	r.mu.Lock()
	r.scans++
	r.handler = handler
	advs := append([]device.Advertisement(nil), r.advertisements...)
	err := r.err
	r.mu.Unlock()

	for _, adv := range advs {
		handler(adv)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// Emit delivers adv through the handler of the most recent scan, even if that scan ended
func (r *FakeRadio) Emit(adv device.Advertisement) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(adv)
	}
}

// ScanCount returns how many times Scan was entered
func (r *FakeRadio) ScanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}
