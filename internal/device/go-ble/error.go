package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/ecglink/internal/device"
)

// errorRules maps lowercase fragments of go-ble and platform messages to sentinels. First match wins.
var errorRules = []struct {
	fragment string
	sentinel error
}{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"device already connected", device.ErrAlreadyConnected},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"timed out", context.DeadlineExceeded},
	{"timeout", context.DeadlineExceeded},
}

// NormalizeError wraps err with the sentinel its message maps to, keeping the original text.
// Errors already carrying a context error or a classified device.Error are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || device.KindOf(err) != "" {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range errorRules {
		if strings.Contains(msg, rule.fragment) {
			return fmt.Errorf("%w: %v", rule.sentinel, err)
		}
	}
	return err
}
