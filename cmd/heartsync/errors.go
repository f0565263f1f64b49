package main

import (
	"context"
	"errors"
	"strings"

	"github.com/heartsync/heartsync/internal/device"
)

// FormatUserError maps internal errors to actionable messages for the
// terminal user.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return "Device not found - run 'heartsync scan' to list nearby devices"
	case errors.Is(err, device.ErrNotConnected):
		return "No device is connected"
	case errors.Is(err, device.ErrAlreadyConnected):
		return "A device is already connected - disconnect it first"
	case errors.Is(err, context.DeadlineExceeded):
		return "Operation timed out"
	case strings.Contains(err.Error(), "connection refused"):
		return "Could not reach the database or broker - check your config: " + err.Error()
	default:
		return err.Error()
	}
}
