// Package stream owns the live device-data pipeline: a single logical
// streaming connection per Client, automatic reconnection with backoff,
// fan-out of status changes and samples to registered observers, and
// best-effort session bookkeeping serialized per connection.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/generator"
)

// StatusListener observes connection-status transitions.
type StatusListener func(device.ConnectionStatus)

// DataListener observes incoming samples.
type DataListener func(device.Sample)

// Unsubscribe removes a previously registered listener. Calling it more than
// once is harmless.
type Unsubscribe func()

// Config controls one stream client.
type Config struct {
	// DeviceURL is the streaming endpoint. A "%s" placeholder, if present,
	// is replaced with the device id.
	DeviceURL string

	// SampleInterval is the synthetic generator cadence when Simulate is on.
	SampleInterval time.Duration

	// Simulate pushes generated samples through the transport (the demo
	// endpoint echoes them back as device data).
	Simulate bool

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      float64 // fraction of the delay, e.g. 0.2 for +-20%
	MaxReconnectAttempts int     // 0 means unbounded
}

// DefaultConfig returns the demo-grade defaults: ~20 samples/second and an
// exponential 1s..30s backoff capped at 10 attempts.
func DefaultConfig() Config {
	return Config{
		SampleInterval:       50 * time.Millisecond,
		Simulate:             true,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectJitter:      0.2,
		MaxReconnectAttempts: 10,
	}
}

// Client manages a single mutable connection to one device at a time.
// Construct with NewClient and release with Close; instances are
// independent, so tests can run as many as they like side by side.
type Client struct {
	cfg      Config
	logger   *logrus.Logger
	recorder SessionRecorder

	// Dialer opens the transport. Defaults to DialWebSocket; tests
	// substitute an in-memory implementation.
	Dialer DialFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	mu              sync.Mutex
	closed          bool
	status          device.ConnectionStatus
	deviceID        string
	patientID       string
	transport       Transport
	epoch           int
	cancelConn      context.CancelFunc
	writer          *sessionWriter
	lastWriter      *sessionWriter
	lastHeartRate   int
	reconnectTimer  *time.Timer
	attempts        int
	nextListenerID  int
	statusListeners *orderedmap.OrderedMap[int, StatusListener]
	dataListeners   *orderedmap.OrderedMap[int, DataListener]

	// notifyMu serializes listener invocations so observers see a total
	// order of transitions regardless of which goroutine produced them.
	notifyMu sync.Mutex
}

// NewClient creates a stream client. recorder may be nil when session
// persistence is not wired (e.g. the monitor command).
func NewClient(cfg Config, recorder SessionRecorder, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 50 * time.Millisecond
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	return &Client{
		cfg:             cfg,
		logger:          logger,
		recorder:        recorder,
		Dialer:          DialWebSocket,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		status:          device.StatusDisconnected,
		statusListeners: orderedmap.New[int, StatusListener](),
		dataListeners:   orderedmap.New[int, DataListener](),
	}
}

// Status returns the current connection status.
func (c *Client) Status() device.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DeviceID returns the device the client is associated with, if any.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// LastStoreError reports the most recent session-persistence failure.
// Connection state is authoritative regardless; this exists so callers can
// decide whether to surface, retry, or ignore store trouble.
func (c *Client) LastStoreError() error {
	c.mu.Lock()
	w := c.writer
	if w == nil {
		w = c.lastWriter
	}
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.LastError()
}

// AddStatusListener registers an observer invoked on every status
// transition, in registration order. The returned function removes it.
func (c *Client) AddStatusListener(fn StatusListener) Unsubscribe {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.statusListeners.Set(id, fn)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.statusListeners.Delete(id)
		c.mu.Unlock()
	}
}

// AddDataListener registers an observer invoked once per incoming sample,
// in registration order. The returned function removes it.
func (c *Client) AddDataListener(fn DataListener) Unsubscribe {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.dataListeners.Set(id, fn)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.dataListeners.Delete(id)
		c.mu.Unlock()
	}
}

// Connect associates the client with a device and opens the transport.
// Calling Connect while a connection is active or in flight is a silent
// no-op: no status notifications, the existing session is unaffected.
func (c *Client) Connect(ctx context.Context, deviceID, patientID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return device.ErrClientClosed
	}
	if c.status == device.StatusConnecting || c.status == device.StatusConnected {
		c.mu.Unlock()
		c.logger.WithField("device", deviceID).Debug("Connect ignored, connection already active")
		return nil
	}
	c.stopReconnectTimerLocked()
	c.deviceID = deviceID
	c.patientID = patientID
	c.attempts = 0
	c.mu.Unlock()

	return c.connect(ctx)
}

// Disconnect closes the transport if open, cancels any pending reconnect,
// clears the device association, and closes the session record. It blocks
// until the terminal session write has been attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	c.attempts = 0
	wasActive := c.status == device.StatusConnecting || c.status == device.StatusConnected
	writer := c.writer
	c.teardownConnLocked()
	c.deviceID = ""
	c.patientID = ""
	var listeners []StatusListener
	if wasActive {
		listeners = c.setStatusLocked(device.StatusDisconnected)
	}
	c.mu.Unlock()

	if listeners != nil {
		c.notifyStatus(listeners, device.StatusDisconnected)
	}
	if writer != nil {
		writer.wait()
	}
}

// Close releases the client. Further Connect calls fail with ErrClientClosed.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SendCommand transmits a command to the connected device. When no device is
// connected the command is logged and dropped; there is no queueing.
func (c *Client) SendCommand(command string) {
	c.mu.Lock()
	t := c.transport
	deviceID := c.deviceID
	connected := c.status == device.StatusConnected
	c.mu.Unlock()

	if !connected || t == nil {
		c.logger.WithField("command", command).Warn("Dropping command, device not connected")
		return
	}

	data, err := json.Marshal(commandFrame{Command: command, DeviceID: deviceID})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode command")
		return
	}
	if err := t.WriteMessage(data); err != nil {
		c.logger.WithError(err).WithField("command", command).Warn("Failed to send command")
	}
}

// connect performs one dial attempt against the stored device association.
// It is used both by Connect and by the reconnect timer.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.deviceID == "" {
		c.mu.Unlock()
		return nil
	}
	if c.status == device.StatusConnecting || c.status == device.StatusConnected {
		c.mu.Unlock()
		return nil
	}
	deviceID := c.deviceID
	patientID := c.patientID
	listeners := c.setStatusLocked(device.StatusConnecting)
	c.mu.Unlock()

	c.notifyStatus(listeners, device.StatusConnecting)

	c.logger.WithField("device", deviceID).Info("Opening device stream...")
	t, err := c.Dialer(ctx, c.endpoint(deviceID))
	if err != nil {
		c.logger.WithError(err).WithField("device", deviceID).Warn("Stream dial failed")
		c.mu.Lock()
		if c.closed || c.status != device.StatusConnecting {
			// Disconnected while the dial was in flight; already notified.
			c.mu.Unlock()
			return fmt.Errorf("failed to open stream for device %q: %w", deviceID, err)
		}
		listeners = c.setStatusLocked(device.StatusDisconnected)
		c.mu.Unlock()
		c.notifyStatus(listeners, device.StatusDisconnected)
		c.scheduleReconnect()
		return fmt.Errorf("failed to open stream for device %q: %w", deviceID, err)
	}

	c.mu.Lock()
	if c.closed || c.status != device.StatusConnecting {
		// Disconnected while the dial was in flight.
		c.mu.Unlock()
		_ = t.Close()
		return nil
	}
	c.transport = t
	c.epoch++
	epoch := c.epoch
	connCtx, cancel := context.WithCancel(context.Background())
	c.cancelConn = cancel
	c.lastHeartRate = 0
	if c.recorder != nil {
		c.writer = newSessionWriter(c.recorder, c.logger)
		c.writer.start(patientID, deviceID)
	}
	c.attempts = 0
	listeners = c.setStatusLocked(device.StatusConnected)
	c.mu.Unlock()

	c.notifyStatus(listeners, device.StatusConnected)
	c.logger.WithField("device", deviceID).Info("Device stream connected")

	go c.readLoop(t, epoch)

	if c.cfg.Simulate {
		gen := generator.New(deviceID, time.Now().UnixNano())
		go gen.Run(connCtx, c.cfg.SampleInterval, func(s device.Sample) {
			data, err := encodeSample(s)
			if err != nil {
				return
			}
			if err := t.WriteMessage(data); err != nil {
				c.logger.WithError(err).Debug("Failed to push synthetic sample")
			}
		})
	}

	return nil
}

func (c *Client) readLoop(t Transport, epoch int) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleTransportLoss(epoch, err)
			return
		}
		sample, derr := decodeSample(data)
		if derr != nil {
			c.logger.WithError(derr).Debug("Dropping malformed frame")
			continue
		}
		c.dispatchSample(epoch, sample)
	}
}

func (c *Client) dispatchSample(epoch int, s device.Sample) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.status != device.StatusConnected {
		c.mu.Unlock()
		return
	}
	listeners := make([]DataListener, 0, c.dataListeners.Len())
	for pair := c.dataListeners.Oldest(); pair != nil; pair = pair.Next() {
		listeners = append(listeners, pair.Value)
	}
	writer := c.writer
	hrChanged := false
	if s.HeartRate != nil && *s.HeartRate != c.lastHeartRate {
		c.lastHeartRate = *s.HeartRate
		hrChanged = true
	}
	c.mu.Unlock()

	if hrChanged && writer != nil {
		writer.recordHeartRate(*s.HeartRate)
	}

	c.notifyMu.Lock()
	for _, fn := range listeners {
		fn(s)
	}
	c.notifyMu.Unlock()
}

func (c *Client) handleTransportLoss(epoch int, cause error) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.logger.WithError(cause).WithField("device", c.deviceID).Warn("Device stream lost")
	c.teardownConnLocked()
	listeners := c.setStatusLocked(device.StatusDisconnected)
	c.mu.Unlock()

	c.notifyStatus(listeners, device.StatusDisconnected)
	c.scheduleReconnect()
}

// teardownConnLocked releases the active connection resources. Callers must
// hold c.mu. The device association is left intact for reconnection.
func (c *Client) teardownConnLocked() {
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	if c.writer != nil {
		c.writer.close()
		c.lastWriter = c.writer
		c.writer = nil
	}
	c.epoch++
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.deviceID == "" || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts > c.cfg.MaxReconnectAttempts {
		deviceID := c.deviceID
		c.deviceID = ""
		c.patientID = ""
		listeners := c.setStatusLocked(device.StatusGivenUp)
		c.mu.Unlock()
		c.logger.WithField("device", deviceID).Warn("Reconnect ceiling reached, giving up")
		c.notifyStatus(listeners, device.StatusGivenUp)
		return
	}

	delay := c.backoffDelay(c.attempts)
	c.logger.WithFields(logrus.Fields{
		"device":  c.deviceID,
		"attempt": c.attempts,
		"delay":   delay,
	}).Info("Scheduling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.connect(context.Background())
	})
	c.mu.Unlock()
}

// backoffDelay returns the exponential delay for the given attempt with the
// configured jitter applied.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
			break
		}
	}
	if delay > c.cfg.ReconnectMax {
		delay = c.cfg.ReconnectMax
	}
	if c.cfg.ReconnectJitter > 0 {
		c.rngMu.Lock()
		factor := 1 + c.cfg.ReconnectJitter*(2*c.rng.Float64()-1)
		c.rngMu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// setStatusLocked updates the status and returns the listener snapshot, in
// registration order, for notification outside the lock.
func (c *Client) setStatusLocked(s device.ConnectionStatus) []StatusListener {
	c.status = s
	listeners := make([]StatusListener, 0, c.statusListeners.Len())
	for pair := c.statusListeners.Oldest(); pair != nil; pair = pair.Next() {
		listeners = append(listeners, pair.Value)
	}
	return listeners
}

func (c *Client) notifyStatus(listeners []StatusListener, s device.ConnectionStatus) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Client) endpoint(deviceID string) string {
	if strings.Contains(c.cfg.DeviceURL, "%s") {
		return fmt.Sprintf(c.cfg.DeviceURL, deviceID)
	}
	return c.cfg.DeviceURL
}
