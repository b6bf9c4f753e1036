package cec

import (
	"context"
	"sync"

	"cecbridge/internal/clock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sessionState int

const (
	stateClosed sessionState = iota
	stateOpening
	stateOpen
	stateClosing
)

func (s sessionState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionManager owns the single adapter session of the process.
//
// State changes happen under the lock shared with the Registry, but engine
// calls are made with the lock released so that the engine's worker can
// keep dispatching events while Open or Close is in progress.
type SessionManager struct {
	mu         *sync.RWMutex
	engine     Engine
	catalog    *Catalog
	dispatcher *Dispatcher
	observer   Observer
	clock      clock.Clock
	logger     *zap.Logger

	state          sessionState
	session        *Session
	closeRequested bool
	shutdown       bool

	// transition is closed when the Open or Close in progress finishes.
	transition chan struct{}
}

// NewSessionManager creates a manager in the Closed state.
func NewSessionManager(
	mu *sync.RWMutex,
	engine Engine,
	catalog *Catalog,
	dispatcher *Dispatcher,
	observer Observer,
	clk clock.Clock,
	logger *zap.Logger,
) *SessionManager {
	if observer == nil {
		observer = nopObserver{}
	}
	return &SessionManager{
		mu:         mu,
		engine:     engine,
		catalog:    catalog,
		dispatcher: dispatcher,
		observer:   observer,
		clock:      clk,
		logger:     logger.Named("session"),
		state:      stateClosed,
	}
}

// Open opens a session on adapter, or on the first detected adapter when
// adapter is nil. Handlers registered for KindSessionOpened run after the
// session is open; their failure is logged and does not undo the open.
func (m *SessionManager) Open(ctx context.Context, adapter *AdapterDescriptor) (*Session, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrNotInitialised
	}
	if m.state != stateClosed {
		m.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	m.state = stateOpening
	m.closeRequested = false
	done := make(chan struct{})
	m.transition = done
	m.mu.Unlock()
	defer close(done)

	sess, err := m.open(ctx, adapter)
	if err != nil {
		m.mu.Lock()
		m.state = stateClosed
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.state = stateOpen
	m.session = sess
	closeRequested := m.closeRequested
	m.mu.Unlock()

	m.logger.Info("Session opened",
		zap.String("session_id", sess.ID),
		zap.String("adapter", sess.Adapter.Path),
		zap.String("com_port", sess.Adapter.ComPort))

	if closeRequested {
		m.logger.Info("Close requested while opening, closing session", zap.String("session_id", sess.ID))
		if err := m.Close(); err != nil {
			return nil, err
		}
		return nil, ErrNotOpen
	}

	if err := m.dispatcher.Deliver(SessionOpened{Session: *sess}); err != nil {
		m.logger.Warn("Session opened handler failed", zap.Error(err))
	}

	out := *sess
	return &out, nil
}

func (m *SessionManager) open(ctx context.Context, adapter *AdapterDescriptor) (*Session, error) {
	var desc AdapterDescriptor
	if adapter != nil {
		desc = *adapter
	} else {
		adapters, err := m.catalog.ListAdapters()
		if err != nil {
			return nil, err
		}
		if len(adapters) == 0 {
			return nil, ErrNoAdapterFound
		}
		desc = adapters[0]
		m.logger.Debug("Selected default adapter", zap.Stringer("adapter", desc))
	}

	h, err := m.engine.Open(ctx, desc)
	if err != nil {
		m.logger.Error("Failed to open adapter",
			zap.String("adapter", desc.Path),
			zap.Error(err))
		return nil, &EngineError{Op: "open", Err: err}
	}

	return &Session{
		ID:       uuid.New().String(),
		Adapter:  desc,
		OpenedAt: m.clock.Now(),
		handle:   h,
	}, nil
}

// Transmit sends frame on the open session. The engine applies the frame's
// own TransmitTimeout.
func (m *SessionManager) Transmit(ctx context.Context, frame Frame) error {
	m.mu.RLock()
	if m.state != stateOpen {
		m.mu.RUnlock()
		return ErrNotOpen
	}
	h := m.session.handle
	m.mu.RUnlock()

	if err := frame.Validate(); err != nil {
		terr := &TransmitError{Reason: TransmitReasonInvalid, Err: err}
		m.observer.FrameTransmitted(terr)
		return terr
	}

	if err := m.engine.Transmit(ctx, h, frame); err != nil {
		terr := &TransmitError{Reason: transmitReason(err), Err: err}
		m.observer.FrameTransmitted(terr)
		m.logger.Warn("Transmit failed",
			zap.Stringer("initiator", frame.Initiator),
			zap.Stringer("destination", frame.Destination),
			zap.String("reason", string(terr.Reason)),
			zap.Error(err))
		return terr
	}

	m.observer.FrameTransmitted(nil)
	return nil
}

// Close closes the open session. Closing an already closed session is a
// no-op. A close issued while an open is in flight takes effect as soon as
// that open completes.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	switch m.state {
	case stateClosed, stateClosing:
		m.mu.Unlock()
		return nil
	case stateOpening:
		m.closeRequested = true
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosing
	sess := m.session
	done := make(chan struct{})
	m.transition = done
	m.mu.Unlock()

	err := m.engine.Close(sess.handle)

	m.mu.Lock()
	m.state = stateClosed
	m.session = nil
	m.mu.Unlock()
	close(done)

	if err != nil {
		m.logger.Error("Engine failed to close session",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return &EngineError{Op: "close", Err: err}
	}

	m.logger.Info("Session closed", zap.String("session_id", sess.ID))
	return nil
}

// Shutdown closes the session for good. An Open or Close in progress is
// waited for, so the engine has no session left once Shutdown returns.
// Later Opens fail with ErrNotInitialised.
func (m *SessionManager) Shutdown() error {
	for {
		m.mu.Lock()
		m.shutdown = true
		switch m.state {
		case stateClosed:
			m.mu.Unlock()
			return nil
		case stateOpen:
			m.mu.Unlock()
			return m.Close()
		case stateOpening:
			m.closeRequested = true
		}
		done := m.transition
		m.mu.Unlock()
		<-done
	}
}

// Current returns a copy of the open session, if any.
func (m *SessionManager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != stateOpen || m.session == nil {
		return nil, false
	}
	out := *m.session
	return &out, true
}

// IsOpen reports whether a session is open.
func (m *SessionManager) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateOpen
}
