package device_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status device.ConnectionStatus
		want   string
	}{
		{device.StatusDisconnected, "disconnected"},
		{device.StatusConnecting, "connecting"},
		{device.StatusConnected, "connected"},
		{device.StatusGivenUp, "given_up"},
		{device.ConnectionStatus(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestConnectionErrorIs(t *testing.T) {
	err := fmt.Errorf("send failed: %w", device.ErrNotConnected)

	assert.True(t, errors.Is(err, device.ErrNotConnected))
	assert.False(t, errors.Is(err, device.ErrAlreadyConnected))
}

func TestConnectionErrorMessage(t *testing.T) {
	plain := &device.ConnectionError{State: device.NotConnected}
	assert.Equal(t, "not_connected", plain.Error())

	detailed := &device.ConnectionError{State: device.AlreadyConnected, Msg: "dev-1"}
	assert.Equal(t, "already_connected: dev-1", detailed.Error())
}
