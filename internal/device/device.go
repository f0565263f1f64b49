// Package device holds the shared domain types for HeartSync peripherals:
// connection status, samples, discovered-device records, and the typed
// connection errors used across the stream and discovery layers.
package device

import (
	"errors"
	"fmt"
	"time"
)

// TransportKind distinguishes how a discovered device is reached.
type TransportKind string

const (
	// TransportShortRange is a BLE peripheral reached via a GATT connection.
	TransportShortRange TransportKind = "shortRange"
	// TransportNetwork is a device reached over a streaming socket URL.
	TransportNetwork TransportKind = "network"
)

// Sample is one timestamped reading emitted while a device is connected.
// Samples are ephemeral; only derived heart-rate values are persisted.
type Sample struct {
	DeviceID     string    `json:"deviceId"`
	Timestamp    time.Time `json:"timestamp"`
	Amplitude    float64   `json:"value"`
	HeartRate    *int      `json:"heartRate,omitempty"`
	BatteryLevel *int      `json:"battery,omitempty"`
}

// DiscoveredDevice is one entry in the known-device set maintained by a scan.
// Entries are created or updated in place during a scan and flipped between
// connected states; they are never deleted, only replaced by a re-scan.
type DiscoveredDevice struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	SignalStrength *int          `json:"signalStrength,omitempty"`
	Connected      bool          `json:"connected"`
	Transport      TransportKind `json:"transportKind"`
	BatteryLevel   *int          `json:"batteryLevel,omitempty"`
	LastSeen       time.Time     `json:"lastSeen"`
}

// ConnectionState names the specific kind of connection-state failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	ClientClosed     ConnectionState = "client_closed"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states.
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrClientClosed     = &ConnectionError{State: ClientClosed}
)

// ErrDeviceNotFound is returned when an operation names a device that is not
// in the known-device set.
var ErrDeviceNotFound = errors.New("device not found")
