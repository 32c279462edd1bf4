package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ----------------------------
// Misuse errors
// ----------------------------

// SessionState represents the specific kind of session misuse
type SessionState string

const (
	NotConnected     SessionState = "not_connected"
	AlreadyConnected SessionState = "already_connected"
	NotReady         SessionState = "not_ready"
	WrongStage       SessionState = "wrong_stage"
)

// SessionError is returned when an operation is invoked in a state that does not allow it
type SessionError struct {
	State SessionState
	Msg   string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare SessionError values by State
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &SessionError{State: NotConnected}
	ErrAlreadyConnected = &SessionError{State: AlreadyConnected}
	ErrNotReady         = &SessionError{State: NotReady}
	ErrWrongStage       = &SessionError{State: WrongStage}
)

var (
	ErrBluetoothOff  = errors.New("bluetooth is turned off")
	ErrUnsupported   = errors.New("unsupported")
	ErrInvalidSSID   = errors.New("ssid must not be empty")
	ErrPayloadTooBig = errors.New("credential payload exceeds maximum attribute length")
)

// ----------------------------
// Failure taxonomy
// ----------------------------

// Kind classifies a failure surfaced by the provisioning or tracking pipeline
type Kind string

const (
	KindCapabilityDenied       Kind = "capability_denied"
	KindScanFailed             Kind = "scan_failed"
	KindLinkFailed             Kind = "link_failed"
	KindServiceNotFound        Kind = "service_not_found"
	KindCharacteristicNotFound Kind = "characteristic_not_found"
	KindSubscriptionFailed     Kind = "subscription_failed"
	KindWriteFailed            Kind = "write_failed"
	KindProtocolViolation      Kind = "protocol_violation"
	KindSocketError            Kind = "socket_error"
	KindPollFailed             Kind = "poll_failed"
	KindClaimFailed            Kind = "claim_failed"
)

// Error is a classified failure. Code carries the platform status code when one exists.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != 0 {
		fmt.Fprintf(&b, "(%d)", e.Code)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per Kind
var (
	ErrCapabilityDenied       = &Error{Kind: KindCapabilityDenied}
	ErrScanFailed             = &Error{Kind: KindScanFailed}
	ErrLinkFailed             = &Error{Kind: KindLinkFailed}
	ErrServiceNotFound        = &Error{Kind: KindServiceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrSubscriptionFailed     = &Error{Kind: KindSubscriptionFailed}
	ErrWriteFailed            = &Error{Kind: KindWriteFailed}
	ErrProtocolViolation      = &Error{Kind: KindProtocolViolation}
	ErrSocketError            = &Error{Kind: KindSocketError}
	ErrPollFailed             = &Error{Kind: KindPollFailed}
	ErrClaimFailed            = &Error{Kind: KindClaimFailed}
)

// NewError builds a classified error wrapping cause
func NewError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first classified error in err's chain, or "" when none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf extracts a numeric status code from err's chain when one is carried
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return 0
}

// IsSessionState reports whether err is a SessionError with the given state
func IsSessionState(err error, state SessionState) bool {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.State == state
	}
	return false
}

// ----------------------------
// Capabilities
// ----------------------------

// CapabilityGate answers whether the host granted the radio capabilities the pipeline needs
type CapabilityGate interface {
	ScanGranted() bool
	ConnectGranted() bool
}

// StaticGate is a CapabilityGate with fixed answers
type StaticGate struct {
	Scan    bool
	Connect bool
}

func (g StaticGate) ScanGranted() bool    { return g.Scan }
func (g StaticGate) ConnectGranted() bool { return g.Connect }

// ScanningDevice represents a BLE radio capable of scanning for advertisements.
// Scan blocks until ctx is done or the radio fails.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

type Advertisement interface {
	LocalName() string
	Services() []string
	RSSI() int
	Addr() string
	Connectable() bool
}

// ----------------------------
// GATT
// ----------------------------

// GattProvider opens GATT links to peripherals
type GattProvider interface {
	Dial(ctx context.Context, address string) (GattLink, error)
}

// GattLink is a live link to a single peripheral
type GattLink interface {
	Address() string

	// Discover resolves the given service and returns its characteristics keyed by normalized UUID.
	// A missing service yields a *NotFoundError.
	Discover(ctx context.Context, service string) (map[string]GattCharacteristic, error)

	// Disconnected is closed when the peripheral drops the link
	Disconnected() <-chan struct{}

	Close() error
}

// GattCharacteristic is a characteristic handle bound to a live link
type GattCharacteristic interface {
	UUID() string
	CanNotify() bool

	// Write performs a single write-with-response
	Write(ctx context.Context, data []byte) error

	// Subscribe enables notifications and returns once the descriptor write is acknowledged.
	// handler may be invoked before Subscribe returns.
	Subscribe(ctx context.Context, handler func([]byte)) error

	Unsubscribe() error
}
