package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionRecorder persists live-session records. The stream client treats it
// as best-effort: failures are recorded and logged but never interrupt the
// connection.
type SessionRecorder interface {
	StartSession(ctx context.Context, patientID, deviceID string) (string, error)
	UpdateHeartRate(ctx context.Context, sessionID string, bpm int) error
	CloseSession(ctx context.Context, sessionID string) error
}

const sessionWriteTimeout = 5 * time.Second

type sessionOpKind int

const (
	opStart sessionOpKind = iota
	opHeartRate
	opClose
)

type sessionOp struct {
	kind      sessionOpKind
	patientID string
	deviceID  string
	heartRate int
}

// sessionWriter serializes all persistence writes for one connection through
// a single goroutine, so a heart-rate update enqueued before the terminal
// close can never land after it and resurrect a completed session.
type sessionWriter struct {
	recorder SessionRecorder
	logger   *logrus.Logger

	mu     sync.Mutex
	closed bool
	ops    chan sessionOp
	done   chan struct{}

	errMu   sync.Mutex
	lastErr error
}

func newSessionWriter(recorder SessionRecorder, logger *logrus.Logger) *sessionWriter {
	w := &sessionWriter{
		recorder: recorder,
		logger:   logger,
		ops:      make(chan sessionOp, 64),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *sessionWriter) start(patientID, deviceID string) {
	w.enqueue(sessionOp{kind: opStart, patientID: patientID, deviceID: deviceID})
}

func (w *sessionWriter) recordHeartRate(bpm int) {
	w.enqueue(sessionOp{kind: opHeartRate, heartRate: bpm})
}

// close enqueues the terminal close write and seals the queue. Any
// recordHeartRate racing this call is either ordered before the close or
// dropped; it can never be applied afterwards.
func (w *sessionWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.ops <- sessionOp{kind: opClose}
	close(w.ops)
	w.mu.Unlock()
}

// wait blocks until all enqueued writes have been attempted.
func (w *sessionWriter) wait() {
	<-w.done
}

// LastError returns the most recent persistence failure, if any. Callers may
// surface, retry, or ignore it; connection state is unaffected either way.
func (w *sessionWriter) LastError() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

func (w *sessionWriter) enqueue(op sessionOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ops <- op:
	default:
		w.logger.Warn("Session write queue full, dropping write")
	}
}

func (w *sessionWriter) run() {
	defer close(w.done)

	var sessionID string
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)

		switch op.kind {
		case opStart:
			id, err := w.recorder.StartSession(ctx, op.patientID, op.deviceID)
			if err != nil {
				w.setErr(err)
				w.logger.WithError(err).WithFields(logrus.Fields{
					"patient": op.patientID,
					"device":  op.deviceID,
				}).Error("Failed to create session record, streaming continues")
			} else {
				sessionID = id
			}

		case opHeartRate:
			if sessionID == "" {
				break
			}
			if err := w.recorder.UpdateHeartRate(ctx, sessionID, op.heartRate); err != nil {
				w.setErr(err)
				w.logger.WithError(err).WithField("session", sessionID).
					Warn("Failed to mirror heart rate into session record")
			}

		case opClose:
			if sessionID == "" {
				break
			}
			if err := w.recorder.CloseSession(ctx, sessionID); err != nil {
				w.setErr(err)
				w.logger.WithError(err).WithField("session", sessionID).
					Error("Failed to close session record")
			}
			sessionID = ""
		}

		cancel()
	}
}

func (w *sessionWriter) setErr(err error) {
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
}
