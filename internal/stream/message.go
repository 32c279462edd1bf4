package stream

import (
	"encoding/json"
	"errors"

	"github.com/srg/ecglink/internal/device"
)

// Message type discriminators
const (
	TypeECG        = "ecg"
	TypePrediction = "prediction"
)

// ECGBatch is one chunk of samples pushed by the backend
type ECGBatch struct {
	DeviceID  string    `json:"device_id"`
	Timestamp string    `json:"timestamp"`
	Samples   []float64 `json:"ecg_data"`
}

// Event is a decoded stream message. Exactly one payload is set for known types.
type Event struct {
	Type       string
	DeviceID   string
	ECG        *ECGBatch
	Prediction *device.PredictionSnapshot
}

// Known reports whether the event carries a payload this package understands
func (e Event) Known() bool {
	return e.ECG != nil || e.Prediction != nil
}

type envelope struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ECGData   []float64       `json:"ecg_data,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var (
	errMissingType    = errors.New("message has no type")
	errMissingSamples = errors.New("ecg message has no samples")
	errMissingData    = errors.New("prediction message has no data")
)

// Decode parses one text frame. Unknown types decode to an Event without payload and no error.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, device.NewError(device.KindSocketError, err, "malformed message")
	}
	if env.Type == "" {
		return Event{}, device.NewError(device.KindSocketError, errMissingType, "malformed message")
	}

	ev := Event{Type: env.Type, DeviceID: env.DeviceID}
	switch env.Type {
	case TypeECG:
		if len(env.ECGData) == 0 {
			return Event{}, device.NewError(device.KindSocketError, errMissingSamples, "malformed %s message", env.Type)
		}
		ev.ECG = &ECGBatch{DeviceID: env.DeviceID, Timestamp: env.Timestamp, Samples: env.ECGData}
	case TypePrediction:
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return Event{}, device.NewError(device.KindSocketError, errMissingData, "malformed %s message", env.Type)
		}
		var snapshot device.PredictionSnapshot
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			return Event{}, device.NewError(device.KindSocketError, err, "malformed %s message", env.Type)
		}
		if snapshot.DeviceID == "" {
			snapshot.DeviceID = env.DeviceID
		}
		ev.Prediction = &snapshot
	}
	return ev, nil
}

// EncodeECG renders batch as an ecg frame
func EncodeECG(batch ECGBatch) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      TypeECG,
		DeviceID:  batch.DeviceID,
		Timestamp: batch.Timestamp,
		ECGData:   batch.Samples,
	})
}

// EncodePrediction renders snapshot as a prediction frame
func EncodePrediction(deviceID string, snapshot device.PredictionSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: TypePrediction, DeviceID: deviceID, Data: data})
}
