package goble

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/ecglink/internal/device"
)

// bleCharacteristic binds a discovered ble.Characteristic to the link that found it
type bleCharacteristic struct {
	link       *bleLink
	char       *ble.Characteristic
	uuid       string
	subscribed atomic.Bool
}

func (c *bleCharacteristic) UUID() string {
	return c.uuid
}

func (c *bleCharacteristic) CanNotify() bool {
	return c.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// Write performs a write-with-response
func (c *bleCharacteristic) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.link.isClosed() {
		return device.ErrNotConnected
	}
	if err := c.link.client.WriteCharacteristic(c.char, data, false); err != nil {
		return fmt.Errorf("write %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications (indications when notify is not supported).
// go-ble writes the CCCD synchronously, so a nil return is the descriptor acknowledgement.
func (c *bleCharacteristic) Subscribe(ctx context.Context, handler func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.link.isClosed() {
		return device.ErrNotConnected
	}
	if !c.CanNotify() {
		return fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrUnsupported)
	}
	indicate := c.char.Property&ble.CharNotify == 0

	err := c.link.client.Subscribe(c.char, indicate, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.uuid, NormalizeError(err))
	}
	c.subscribed.Store(true)

	c.link.logger.WithFields(logrus.Fields{
		"char_uuid": c.uuid,
		"indicate":  indicate,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

func (c *bleCharacteristic) Unsubscribe() error {
	if !c.subscribed.CompareAndSwap(true, false) {
		return nil
	}
	indicate := c.char.Property&ble.CharNotify == 0
	return NormalizeError(c.link.client.Unsubscribe(c.char, indicate))
}
