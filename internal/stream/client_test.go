package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/stream"
)

// fakeTransport is an in-memory Transport. With echo enabled, writes loop
// back as incoming messages the way the demo echo endpoint behaves.
type fakeTransport struct {
	mu       sync.Mutex
	closed   bool
	echo     bool
	incoming chan []byte
	writes   [][]byte
}

func newFakeTransport(echo bool) *fakeTransport {
	return &fakeTransport{echo: echo, incoming: make(chan []byte, 256)}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-t.incoming
	if !ok {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed transport")
	}
	t.writes = append(t.writes, data)
	if t.echo {
		select {
		case t.incoming <- data:
		default:
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.incoming)
	}
	return nil
}

// push injects an incoming message as if the device had sent it.
func (t *fakeTransport) push(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.incoming <- data
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// fakeRecorder records session writes in arrival order.
type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) StartSession(_ context.Context, patientID, deviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("start:%s:%s", patientID, deviceID))
	return "sess-1", nil
}

func (r *fakeRecorder) UpdateHeartRate(_ context.Context, sessionID string, bpm int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("hr:%s:%d", sessionID, bpm))
	return nil
}

func (r *fakeRecorder) CloseSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "close:"+sessionID)
	return nil
}

func (r *fakeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// statusTrace collects status transitions thread-safely.
type statusTrace struct {
	mu     sync.Mutex
	states []device.ConnectionStatus
}

func (s *statusTrace) listener() stream.StatusListener {
	return func(st device.ConnectionStatus) {
		s.mu.Lock()
		s.states = append(s.states, st)
		s.mu.Unlock()
	}
}

func (s *statusTrace) snapshot() []device.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.ConnectionStatus(nil), s.states...)
}

func heartRate(bpm int) *int { return &bpm }

func sampleFrame(deviceID string, hr *int) []byte {
	frame := map[string]interface{}{
		"deviceId":  deviceID,
		"timestamp": time.Now().UnixMilli(),
		"value":     0.42,
	}
	if hr != nil {
		frame["heartRate"] = *hr
	}
	data, _ := json.Marshal(frame)
	return data
}

type ClientTestSuite struct {
	suitelib.Suite

	logger     *logrus.Logger
	recorder   *fakeRecorder
	transports []*fakeTransport
	transMu    sync.Mutex
	dialCount  int
}

func TestClientTestSuite(t *testing.T) {
	suitelib.Run(t, new(ClientTestSuite))
}

func (suite *ClientTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.PanicLevel)
	suite.recorder = &fakeRecorder{}
	suite.transports = nil
	suite.dialCount = 0
}

// newClient builds a client wired to in-memory transports. Echo controls
// whether writes loop back as device data.
func (suite *ClientTestSuite) newClient(cfg stream.Config, echo bool) *stream.Client {
	c := stream.NewClient(cfg, suite.recorder, suite.logger)
	c.Dialer = func(ctx context.Context, url string) (stream.Transport, error) {
		t := newFakeTransport(echo)
		suite.transMu.Lock()
		suite.transports = append(suite.transports, t)
		suite.dialCount++
		suite.transMu.Unlock()
		return t, nil
	}
	return c
}

func (suite *ClientTestSuite) currentTransport() *fakeTransport {
	suite.transMu.Lock()
	defer suite.transMu.Unlock()
	require.NotEmpty(suite.T(), suite.transports)
	return suite.transports[len(suite.transports)-1]
}

func (suite *ClientTestSuite) dials() int {
	suite.transMu.Lock()
	defer suite.transMu.Unlock()
	return suite.dialCount
}

func (suite *ClientTestSuite) testConfig() stream.Config {
	return stream.Config{
		DeviceURL:            "ws://example.invalid/stream/%s",
		SampleInterval:       5 * time.Millisecond,
		Simulate:             false,
		ReconnectBase:        40 * time.Millisecond,
		ReconnectMax:         40 * time.Millisecond,
		ReconnectJitter:      0,
		MaxReconnectAttempts: 3,
	}
}

func (suite *ClientTestSuite) TestConnectLifecycle() {
	trace := &statusTrace{}
	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()
	c.AddStatusListener(trace.listener())

	err := c.Connect(context.Background(), "dev-1", "patient-A")
	suite.NoError(err)

	suite.Equal([]device.ConnectionStatus{
		device.StatusConnecting,
		device.StatusConnected,
	}, trace.snapshot())

	// Session create is recorded for (patient, device).
	suite.Eventually(func() bool {
		calls := suite.recorder.snapshot()
		return len(calls) == 1 && calls[0] == "start:patient-A:dev-1"
	}, time.Second, 5*time.Millisecond)

	// Transport loss: disconnected is appended, the session is closed, and
	// a reconnect fires after the configured delay.
	suite.currentTransport().Close()

	suite.Eventually(func() bool {
		states := trace.snapshot()
		return len(states) == 3 && states[2] == device.StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	suite.Eventually(func() bool {
		calls := suite.recorder.snapshot()
		return len(calls) == 2 && calls[1] == "close:sess-1"
	}, time.Second, 5*time.Millisecond)

	suite.Eventually(func() bool {
		return suite.dials() == 2 && c.Status() == device.StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func (suite *ClientTestSuite) TestConnectWhileConnectedIsNoOp() {
	trace := &statusTrace{}
	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()
	c.AddStatusListener(trace.listener())

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	before := trace.snapshot()

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	suite.NoError(c.Connect(context.Background(), "dev-2", "patient-B"))

	suite.Equal(before, trace.snapshot())
	suite.Equal("dev-1", c.DeviceID())

	// The existing session is unaffected.
	time.Sleep(20 * time.Millisecond)
	calls := suite.recorder.snapshot()
	suite.Len(calls, 1)
}

func (suite *ClientTestSuite) TestDisconnectStopsDataAndReconnect() {
	cfg := suite.testConfig()
	trace := &statusTrace{}
	var samples int
	var samplesMu sync.Mutex

	c := suite.newClient(cfg, false)
	defer c.Close()
	c.AddStatusListener(trace.listener())
	c.AddDataListener(func(device.Sample) {
		samplesMu.Lock()
		samples++
		samplesMu.Unlock()
	})

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	suite.currentTransport().push(sampleFrame("dev-1", heartRate(72)))

	suite.Eventually(func() bool {
		samplesMu.Lock()
		defer samplesMu.Unlock()
		return samples == 1
	}, time.Second, 5*time.Millisecond)

	c.Disconnect()
	dialsAtDisconnect := suite.dials()

	suite.Equal(device.StatusDisconnected, c.Status())
	suite.Equal("", c.DeviceID())

	// Wait well past the reconnect delay: no new dial, no new "connecting"
	// status, no further data events.
	time.Sleep(3 * cfg.ReconnectBase)

	suite.Equal(dialsAtDisconnect, suite.dials())
	states := trace.snapshot()
	suite.Equal(device.StatusDisconnected, states[len(states)-1])
	samplesMu.Lock()
	suite.Equal(1, samples)
	samplesMu.Unlock()

	// The terminal close write was attempted before Disconnect returned.
	calls := suite.recorder.snapshot()
	suite.Equal("close:sess-1", calls[len(calls)-1])
}

func (suite *ClientTestSuite) TestUnsubscribedListenerReceivesNothing() {
	traceA := &statusTrace{}
	traceB := &statusTrace{}
	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()

	unsubA := c.AddStatusListener(traceA.listener())
	c.AddStatusListener(traceB.listener())

	unsubA()
	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))

	suite.Empty(traceA.snapshot())
	suite.Equal([]device.ConnectionStatus{
		device.StatusConnecting,
		device.StatusConnected,
	}, traceB.snapshot())
}

func (suite *ClientTestSuite) TestDataListenersInvokedInRegistrationOrder() {
	var order []string
	var orderMu sync.Mutex

	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()
	c.AddDataListener(func(device.Sample) {
		orderMu.Lock()
		order = append(order, "first")
		orderMu.Unlock()
	})
	c.AddDataListener(func(device.Sample) {
		orderMu.Lock()
		order = append(order, "second")
		orderMu.Unlock()
	})

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	suite.currentTransport().push(sampleFrame("dev-1", nil))

	suite.Eventually(func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	orderMu.Lock()
	suite.Equal([]string{"first", "second"}, order)
	orderMu.Unlock()
}

func (suite *ClientTestSuite) TestHeartRateMirroredOnlyOnChange() {
	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	t := suite.currentTransport()

	t.push(sampleFrame("dev-1", heartRate(70)))
	t.push(sampleFrame("dev-1", heartRate(70)))
	t.push(sampleFrame("dev-1", heartRate(75)))

	suite.Eventually(func() bool {
		return len(suite.recorder.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	c.Disconnect()

	// Writes are serialized: create, the two distinct heart rates, then the
	// terminal close - never an update after the close.
	suite.Equal([]string{
		"start:patient-A:dev-1",
		"hr:sess-1:70",
		"hr:sess-1:75",
		"close:sess-1",
	}, suite.recorder.snapshot())
}

func (suite *ClientTestSuite) TestSendCommand() {
	c := suite.newClient(suite.testConfig(), false)
	defer c.Close()

	// Disconnected: logged and dropped, no panic.
	c.SendCommand("calibrate")

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	c.SendCommand("calibrate")

	t := suite.currentTransport()
	suite.Eventually(func() bool { return t.writeCount() == 1 }, time.Second, 5*time.Millisecond)

	t.mu.Lock()
	var frame map[string]string
	err := json.Unmarshal(t.writes[0], &frame)
	t.mu.Unlock()
	suite.NoError(err)
	suite.Equal("calibrate", frame["command"])
	suite.Equal("dev-1", frame["deviceId"])
}

func (suite *ClientTestSuite) TestGivesUpAfterReconnectCeiling() {
	cfg := suite.testConfig()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2

	trace := &statusTrace{}
	c := stream.NewClient(cfg, suite.recorder, suite.logger)
	defer c.Close()
	c.Dialer = func(ctx context.Context, url string) (stream.Transport, error) {
		return nil, errors.New("endpoint unreachable")
	}
	c.AddStatusListener(trace.listener())

	err := c.Connect(context.Background(), "dev-1", "patient-A")
	suite.Error(err)

	suite.Eventually(func() bool {
		return c.Status() == device.StatusGivenUp
	}, time.Second, 5*time.Millisecond)

	states := trace.snapshot()
	suite.Equal(device.StatusGivenUp, states[len(states)-1])

	// Initial attempt plus two retries, each connecting -> disconnected.
	var connecting int
	for _, s := range states {
		if s == device.StatusConnecting {
			connecting++
		}
	}
	suite.Equal(3, connecting)

	// A fresh Connect works again after giving up.
	c.Dialer = func(ctx context.Context, url string) (stream.Transport, error) {
		return newFakeTransport(false), nil
	}
	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))
	suite.Equal(device.StatusConnected, c.Status())
}

func (suite *ClientTestSuite) TestSimulatedSamplesFlowThroughEcho() {
	cfg := suite.testConfig()
	cfg.Simulate = true

	var got []device.Sample
	var gotMu sync.Mutex

	c := suite.newClient(cfg, true)
	defer c.Close()
	c.AddDataListener(func(s device.Sample) {
		gotMu.Lock()
		got = append(got, s)
		gotMu.Unlock()
	})

	suite.NoError(c.Connect(context.Background(), "dev-1", "patient-A"))

	suite.Eventually(func() bool {
		gotMu.Lock()
		defer gotMu.Unlock()
		return len(got) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	gotMu.Lock()
	defer gotMu.Unlock()
	for _, s := range got {
		suite.Equal("dev-1", s.DeviceID)
		suite.NotNil(s.HeartRate)
	}
}

func (suite *ClientTestSuite) TestCloseRejectsFurtherConnects() {
	c := suite.newClient(suite.testConfig(), false)
	c.Close()

	err := c.Connect(context.Background(), "dev-1", "patient-A")
	suite.ErrorIs(err, device.ErrClientClosed)
}
