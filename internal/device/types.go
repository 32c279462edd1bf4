package device

import (
	"fmt"
	"strings"
)

// GATT layout exposed by the sensor firmware
const (
	ServiceUUID         = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CredentialsCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	StatusCharUUID      = "0c75a186-5972-4187-8f73-3ad9f8afc8d9"
	CCCDUUID            = "00002902-0000-1000-8000-00805f9b34fb"

	// MaxAttributeLength is the largest value a single ATT write may carry
	MaxAttributeLength = 512

	// SuccessToken marks a status notification reporting that the sensor joined the network
	SuccessToken = "Connected"
)

// DiscoveredPeripheral is a sensor seen during a scan. Identity is Address.
type DiscoveredPeripheral struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

func (p DiscoveredPeripheral) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// ConnPhase is the phase of a connection attempt
type ConnPhase int

const (
	Disconnected ConnPhase = iota
	Connecting
	Connected
	ReadyForCredentials
	Failed
)

func (p ConnPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReadyForCredentials:
		return "ready_for_credentials"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnectionState is a phase plus the reason when the phase is Failed
type ConnectionState struct {
	Phase  ConnPhase
	Reason error
}

func (s ConnectionState) String() string {
	if s.Reason != nil {
		return fmt.Sprintf("%s: %v", s.Phase, s.Reason)
	}
	return s.Phase.String()
}

// Terminal reports whether the state ends a connection attempt
func (s ConnectionState) Terminal() bool {
	return s.Phase == Disconnected || s.Phase == Failed
}

// ProvisioningResult is set once the sensor confirms it joined the network
type ProvisioningResult struct {
	Provisioned bool   `json:"provisioned"`
	DeviceID    string `json:"device_id"`
}

// WifiCredentials are the network credentials handed to the sensor. They are never persisted.
type WifiCredentials struct {
	SSID     string
	Password string
}

// Payload encodes the credentials in the firmware's "ssid;password" form
func (c WifiCredentials) Payload() []byte {
	return []byte(c.SSID + ";" + c.Password)
}

// Validate checks the SSID and the encoded payload size
func (c WifiCredentials) Validate() error {
	if strings.TrimSpace(c.SSID) == "" {
		return ErrInvalidSSID
	}
	if n := len(c.Payload()); n > MaxAttributeLength {
		return fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooBig, n, MaxAttributeLength)
	}
	return nil
}

func (c WifiCredentials) String() string {
	return fmt.Sprintf("ssid=%q password=<redacted>", c.SSID)
}

// StatusReport is a parsed status characteristic notification
type StatusReport struct {
	Raw       string `json:"raw"`
	Connected bool   `json:"connected"`
	IP        string `json:"ip,omitempty"`
}

// ParseStatusReport inspects a status notification. token is the success keyword.
func ParseStatusReport(data []byte, token string) StatusReport {
	raw := strings.TrimSpace(string(data))
	if token == "" {
		token = SuccessToken
	}
	report := StatusReport{Raw: raw, Connected: strings.Contains(raw, token)}
	if i := strings.Index(raw, "IP:"); i >= 0 {
		report.IP = strings.TrimSpace(raw[i+len("IP:"):])
	}
	return report
}

// SessionStatus is the backend's view of a recording session. Replaced wholesale on each poll.
type SessionStatus struct {
	DeviceID       string  `json:"device_id"`
	Ready          bool    `json:"ready"`
	ElapsedSeconds float64 `json:"duration_sec"`
	ChunkCount     int     `json:"chunks"`
	SampleCount    int     `json:"samples"`
}

// ArrhythmiaResult is the rhythm classifier output
type ArrhythmiaResult struct {
	Prediction    string             `json:"prediction"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// BeatDistribution counts beats per morphology class
type BeatDistribution struct {
	Distribution map[string]int `json:"distribution"`
}

// StressResult is the stress classifier output
type StressResult struct {
	Prediction    int                `json:"prediction"`
	Level         string             `json:"level"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// PredictionSnapshot is the latest analysis result pushed by the backend
type PredictionSnapshot struct {
	DeviceID   string            `json:"device_id,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Arrhythmia *ArrhythmiaResult `json:"arrhythmia,omitempty"`
	Beat       *BeatDistribution `json:"beat,omitempty"`
	Stress     *StressResult     `json:"stress,omitempty"`
}
