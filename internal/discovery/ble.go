package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"
)

// Standard GATT identifiers used to recognize cardiac monitors.
var (
	HeartRateServiceUUID = blelib.UUID16(0x180D)
	BatteryServiceUUID   = blelib.UUID16(0x180F)
	BatteryLevelCharUUID = blelib.UUID16(0x2A19)
)

// BLEDeviceFactory creates the underlying BLE host (can be overridden in tests).
var BLEDeviceFactory = func() (blelib.Device, error) {
	return linux.NewDevice()
}

// bleRadio implements Radio over go-ble.
type bleRadio struct {
	dev          blelib.Device
	namePrefixes []string
	logger       *logrus.Logger
}

func newBLERadio(cfg Config, logger *logrus.Logger) (Radio, error) {
	d, err := BLEDeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE radio: %w", err)
	}
	blelib.SetDefaultDevice(d)

	return &bleRadio{
		dev:          d,
		namePrefixes: cfg.NamePrefixes,
		logger:       logger,
	}, nil
}

func (r *bleRadio) Scan(ctx context.Context, handle func(Advertisement)) error {
	err := r.dev.Scan(ctx, true, func(adv blelib.Advertisement) {
		if !r.shouldInclude(adv) {
			return
		}
		handle(Advertisement{
			ID:   adv.Addr().String(),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// shouldInclude keeps advertisements carrying a heart-rate or battery
// service, or a recognized name prefix.
func (r *bleRadio) shouldInclude(adv blelib.Advertisement) bool {
	for _, advUUID := range adv.Services() {
		if HeartRateServiceUUID.Equal(advUUID) || BatteryServiceUUID.Equal(advUUID) {
			return true
		}
	}

	name := adv.LocalName()
	for _, prefix := range r.namePrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (r *bleRadio) Dial(ctx context.Context, deviceID string) (Peripheral, error) {
	client, err := blelib.Dial(ctx, blelib.NewAddr(deviceID))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	return &blePeripheral{client: client, profile: profile, logger: r.logger}, nil
}

type blePeripheral struct {
	client  blelib.Client
	profile *blelib.Profile
	logger  *logrus.Logger
}

func (p *blePeripheral) ReadBatteryLevel(_ context.Context) (int, error) {
	for _, service := range p.profile.Services {
		if !service.UUID.Equal(BatteryServiceUUID) {
			continue
		}
		for _, char := range service.Characteristics {
			if !char.UUID.Equal(BatteryLevelCharUUID) {
				continue
			}
			data, err := p.client.ReadCharacteristic(char)
			if err != nil {
				return 0, fmt.Errorf("failed to read battery level: %w", err)
			}
			if len(data) == 0 {
				return 0, fmt.Errorf("empty battery level read")
			}
			return int(data[0]), nil
		}
	}
	return 0, fmt.Errorf("battery service not exposed")
}

func (p *blePeripheral) Close() error {
	return p.client.CancelConnection()
}
