package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/ringchan"
)

// EventKind classifies discovery notifications.
type EventKind int

const (
	EventDeviceFound EventKind = iota
	EventDeviceUpdated
	EventScanComplete
	EventConnected
	EventDisconnected
	EventError
)

// Event is one user-visible discovery notification. Scan summaries carry
// Count (zero found is a valid, explicitly notified outcome); errors carry
// Message.
type Event struct {
	Kind     EventKind
	DeviceID string
	Count    int
	Message  string
}

// Config tunes scanning behavior.
type Config struct {
	ScanTimeout  time.Duration
	NamePrefixes []string
}

// DefaultConfig returns default discovery settings.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:  10 * time.Second,
		NamePrefixes: []string{"HeartSync", "ECG"},
	}
}

// trackedDevice pairs a device record with the native connection handle
// obtained on connect, so a later Disconnect tears down the real transport.
type trackedDevice struct {
	mu     sync.Mutex
	record device.DiscoveredDevice
	handle Peripheral
}

// Manager maintains the known-device set across short-range and network
// scans and owns the active short-range connection.
type Manager struct {
	cfg    Config
	prober NetworkProber
	logger *logrus.Logger

	devices *hashmap.Map[string, *trackedDevice]
	events  *ringchan.RingChannel[Event]

	radioOnce sync.Once
	radio     Radio
	radioErr  error

	mu       sync.Mutex
	activeID string
}

// NewManager creates a discovery manager. The radio is initialized lazily on
// first use so construction never fails on hosts without a BLE adapter.
func NewManager(cfg Config, prober NetworkProber, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultConfig().ScanTimeout
	}
	if prober == nil {
		prober = &StaticProber{}
	}

	return &Manager{
		cfg:     cfg,
		prober:  prober,
		logger:  logger,
		devices: hashmap.New[string, *trackedDevice](),
		events:  ringchan.New[Event](100),
	}
}

// Events returns a read-only channel of discovery notifications. The channel
// is bounded and drops the oldest notification when full.
func (m *Manager) Events() <-chan Event {
	return m.events.C()
}

// IsSupported reports whether the short-range wireless API is usable on this
// host. It gates messaging only; network discovery proceeds regardless.
func (m *Manager) IsSupported() bool {
	_, err := m.ensureRadio()
	return err == nil
}

// Scan runs short-range and network discovery concurrently and merges the
// results into the known-device set, deduplicated by id with in-place
// updates. Failures are notified and resolved to whatever was found; a scan
// that finds nothing still emits its summary.
func (m *Manager) Scan(ctx context.Context) []device.DiscoveredDevice {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	start := time.Now()
	m.logger.WithField("timeout", m.cfg.ScanTimeout).Info("Starting device scan...")

	var wg sync.WaitGroup

	if radio, err := m.ensureRadio(); err != nil {
		m.logger.WithError(err).Debug("Short-range radio unavailable, skipping")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := radio.Scan(scanCtx, func(adv Advertisement) {
				m.merge(device.DiscoveredDevice{
					ID:             adv.ID,
					Name:           adv.Name,
					SignalStrength: &adv.RSSI,
					Transport:      device.TransportShortRange,
					LastSeen:       time.Now(),
				})
			})
			m.reportScanError("short-range scan", err)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		found, err := m.prober.Probe(scanCtx)
		if err != nil {
			m.reportScanError("network scan", err)
			return
		}
		for _, d := range found {
			m.merge(d)
		}
	}()

	wg.Wait()

	// Summary counts devices seen during this scan, not the whole set.
	count := 0
	m.devices.Range(func(_ string, tracked *trackedDevice) bool {
		tracked.mu.Lock()
		if !tracked.record.LastSeen.Before(start) {
			count++
		}
		tracked.mu.Unlock()
		return true
	})
	m.logger.WithField("device_count", count).Info("Device scan completed")
	m.events.ForceSend(Event{Kind: EventScanComplete, Count: count})

	return m.Devices()
}

// Connect resolves the device record, opens the short-range connection,
// reads the battery level best-effort, and records the device as the active
// selection. Expected failures are notified rather than returned; the result
// is a plain success flag.
func (m *Manager) Connect(ctx context.Context, deviceID string) bool {
	tracked, ok := m.devices.Get(deviceID)
	if !ok {
		m.notifyError(deviceID, device.ErrDeviceNotFound)
		return false
	}

	tracked.mu.Lock()
	transport := tracked.record.Transport
	alreadyConnected := tracked.record.Connected
	tracked.mu.Unlock()

	if alreadyConnected {
		m.logger.WithField("device", deviceID).Debug("Device already connected")
		return true
	}

	var handle Peripheral
	var battery *int

	if transport == device.TransportShortRange {
		radio, err := m.ensureRadio()
		if err != nil {
			m.notifyError(deviceID, err)
			return false
		}

		handle, err = radio.Dial(ctx, deviceID)
		if err != nil {
			m.notifyError(deviceID, err)
			return false
		}

		// Battery is optional; a failed read leaves it undefined.
		if level, err := handle.ReadBatteryLevel(ctx); err != nil {
			m.logger.WithError(err).WithField("device", deviceID).
				Debug("Battery level unavailable")
		} else {
			battery = &level
		}
	}

	// One active selection at a time.
	m.Disconnect()

	tracked.mu.Lock()
	tracked.record.Connected = true
	if battery != nil {
		tracked.record.BatteryLevel = battery
	}
	tracked.handle = handle
	tracked.mu.Unlock()

	m.mu.Lock()
	m.activeID = deviceID
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":    deviceID,
		"transport": transport,
	}).Info("Device connected")
	m.events.ForceSend(Event{Kind: EventConnected, DeviceID: deviceID})
	return true
}

// Disconnect tears down the retained native handle of the active selection
// and clears it. A no-op when nothing is selected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	deviceID := m.activeID
	m.activeID = ""
	m.mu.Unlock()

	if deviceID == "" {
		return
	}

	tracked, ok := m.devices.Get(deviceID)
	if !ok {
		return
	}

	tracked.mu.Lock()
	handle := tracked.handle
	tracked.handle = nil
	tracked.record.Connected = false
	tracked.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			m.logger.WithError(err).WithField("device", deviceID).
				Warn("Error disconnecting from device")
		}
	}

	m.logger.WithField("device", deviceID).Info("Device disconnected")
	m.events.ForceSend(Event{Kind: EventDisconnected, DeviceID: deviceID})
}

// ActiveDeviceID returns the id of the current selection, or empty.
func (m *Manager) ActiveDeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Device returns one record from the known-device set.
func (m *Manager) Device(deviceID string) (device.DiscoveredDevice, bool) {
	tracked, ok := m.devices.Get(deviceID)
	if !ok {
		return device.DiscoveredDevice{}, false
	}
	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	return tracked.record, true
}

// Devices returns a snapshot of the known-device set, ordered by id.
func (m *Manager) Devices() []device.DiscoveredDevice {
	out := make([]device.DiscoveredDevice, 0, m.devices.Len())
	m.devices.Range(func(_ string, tracked *trackedDevice) bool {
		tracked.mu.Lock()
		out = append(out, tracked.record)
		tracked.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases the event channel. The active connection, if any, is torn
// down first.
func (m *Manager) Close() {
	m.Disconnect()
	m.events.Close()
}

func (m *Manager) ensureRadio() (Radio, error) {
	m.radioOnce.Do(func() {
		m.radio, m.radioErr = RadioFactory(m.cfg, m.logger)
	})
	if m.radioErr != nil {
		return nil, m.radioErr
	}
	return m.radio, nil
}

// merge inserts a scan result or updates the existing entry in place,
// preserving connection state and the retained handle.
func (m *Manager) merge(d device.DiscoveredDevice) {
	tracked, existed := m.devices.GetOrInsert(d.ID, &trackedDevice{record: d})
	if !existed {
		m.logger.WithFields(logrus.Fields{
			"device":    d.ID,
			"name":      d.Name,
			"transport": d.Transport,
		}).Info("Discovered new device")
		m.events.ForceSend(Event{Kind: EventDeviceFound, DeviceID: d.ID})
		return
	}

	tracked.mu.Lock()
	if d.Name != "" {
		tracked.record.Name = d.Name
	}
	if d.SignalStrength != nil {
		tracked.record.SignalStrength = d.SignalStrength
	}
	if d.BatteryLevel != nil {
		tracked.record.BatteryLevel = d.BatteryLevel
	}
	tracked.record.LastSeen = d.LastSeen
	tracked.mu.Unlock()

	m.events.ForceSend(Event{Kind: EventDeviceUpdated, DeviceID: d.ID})
}

// reportScanError notifies scan failures, suppressing cancellation.
func (m *Manager) reportScanError(phase string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m.logger.WithError(err).Warnf("%s failed", phase)
	m.events.ForceSend(Event{Kind: EventError, Message: fmt.Sprintf("%s failed: %v", phase, err)})
}

// notifyError surfaces a connect failure unless the user cancelled.
func (m *Manager) notifyError(deviceID string, err error) {
	if errors.Is(err, ErrCancelled) {
		m.logger.WithField("device", deviceID).Debug("Device selection cancelled")
		return
	}
	m.logger.WithError(err).WithField("device", deviceID).Warn("Device connect failed")
	m.events.ForceSend(Event{Kind: EventError, DeviceID: deviceID, Message: err.Error()})
}
