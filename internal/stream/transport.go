package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heartsync/heartsync/internal/device"
)

// Transport is a bidirectional message-based streaming connection to one
// device endpoint. Implementations must allow ReadMessage and WriteMessage
// to be called from different goroutines; Close unblocks a pending read.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a Transport to the given URL. The production dialer speaks
// WebSocket; tests substitute an in-memory echo.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// sampleFrame is the wire form of one device reading.
type sampleFrame struct {
	DeviceID  string  `json:"deviceId"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Value     float64 `json:"value"`
	HeartRate *int    `json:"heartRate,omitempty"`
	Battery   *int    `json:"battery,omitempty"`
}

// commandFrame is the wire form of a client-to-device command.
type commandFrame struct {
	Command  string `json:"command"`
	DeviceID string `json:"deviceId"`
}

func encodeSample(s device.Sample) ([]byte, error) {
	return json.Marshal(sampleFrame{
		DeviceID:  s.DeviceID,
		Timestamp: s.Timestamp.UnixMilli(),
		Value:     s.Amplitude,
		HeartRate: s.HeartRate,
		Battery:   s.BatteryLevel,
	})
}

func decodeSample(data []byte) (device.Sample, error) {
	var f sampleFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return device.Sample{}, fmt.Errorf("malformed sample frame: %w", err)
	}
	return device.Sample{
		DeviceID:     f.DeviceID,
		Timestamp:    time.UnixMilli(f.Timestamp),
		Amplitude:    f.Value,
		HeartRate:    f.HeartRate,
		BatteryLevel: f.Battery,
	}, nil
}
