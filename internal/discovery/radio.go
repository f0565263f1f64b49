package discovery

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrCancelled marks a user-cancelled device selection. It is an expected
// outcome, suppressed from error notifications.
var ErrCancelled = errors.New("device selection cancelled")

// Advertisement is one short-range advertisement report, already filtered to
// the services and name prefixes we care about.
type Advertisement struct {
	ID   string
	Name string
	RSSI int
}

// Peripheral is an open GATT connection to one short-range device. The
// handle obtained here is retained on the device record so a later
// Disconnect tears down the real transport, not just state flags.
type Peripheral interface {
	ReadBatteryLevel(ctx context.Context) (int, error)
	Close() error
}

// Radio abstracts the short-range wireless API. The production
// implementation wraps go-ble; tests substitute a fake.
type Radio interface {
	Scan(ctx context.Context, handle func(Advertisement)) error
	Dial(ctx context.Context, deviceID string) (Peripheral, error)
}

// RadioFactory creates the short-range radio (can be overridden in tests).
var RadioFactory = func(cfg Config, logger *logrus.Logger) (Radio, error) {
	return newBLERadio(cfg, logger)
}
