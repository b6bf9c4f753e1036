// Package bridge connects a CEC engine context to an MQTT broker: every
// dispatched event is published, and frames published to the transmit
// topic are sent on the open session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cecbridge/internal/cec"
	"cecbridge/internal/mqtt"

	"go.uber.org/zap"
)

// QueueSize bounds the events waiting to be published.
const QueueSize = 256

// TransmitTimeout bounds a transmit requested over MQTT.
const TransmitTimeout = 10 * time.Second

// Engine is the part of cec.Context the bridge drives.
type Engine interface {
	AddCallback(kind cec.EventKind, handler cec.Handler) (*cec.Registration, error)
	RemoveCallback(reg *cec.Registration) bool
	Transmit(ctx context.Context, frame cec.Frame) error
}

// EventMessage is the JSON body published for each event.
type EventMessage struct {
	Kind  string    `json:"kind"`
	Event cec.Event `json:"event"`
}

// TransmitResult is published after each transmit request.
type TransmitResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type outbound struct {
	topic   string
	payload []byte
}

// Manager publishes events and serves transmit requests.
type Manager struct {
	engine Engine
	client mqtt.ClientAPI
	prefix string
	logger *zap.Logger

	registrations []*cec.Registration
	queue         chan outbound
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewManager creates a bridge publishing under prefix.
func NewManager(engine Engine, client mqtt.ClientAPI, prefix string, logger *zap.Logger) *Manager {
	return &Manager{
		engine: engine,
		client: client,
		prefix: prefix,
		logger: logger.Named("bridge"),
		queue:  make(chan outbound, QueueSize),
		done:   make(chan struct{}),
	}
}

// EventTopic returns the topic events of kind are published to.
func (m *Manager) EventTopic(kind cec.EventKind) string {
	return fmt.Sprintf("%s/event/%s", m.prefix, kind)
}

// TransmitTopic returns the topic frames are accepted on.
func (m *Manager) TransmitTopic() string {
	return m.prefix + "/transmit"
}

// TransmitResultTopic returns the topic transmit outcomes are published to.
func (m *Manager) TransmitResultTopic() string {
	return m.prefix + "/transmit/result"
}

// Start registers a handler for every event kind and subscribes to the
// transmit topic.
func (m *Manager) Start() error {
	m.logger.Info("Starting MQTT bridge", zap.String("prefix", m.prefix))

	m.wg.Add(1)
	go m.publishLoop()

	for _, kind := range cec.AllKinds {
		reg, err := m.engine.AddCallback(kind, m.handleEvent)
		if err != nil {
			m.Stop()
			return fmt.Errorf("failed to register %s handler: %w", kind, err)
		}
		m.registrations = append(m.registrations, reg)
	}

	if err := m.client.Subscribe(m.TransmitTopic(), m.handleTransmit); err != nil {
		m.Stop()
		return fmt.Errorf("failed to subscribe to %s: %w", m.TransmitTopic(), err)
	}

	m.logger.Info("MQTT bridge started successfully")
	return nil
}

// Stop removes the handlers and waits for queued events to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping MQTT bridge")

		for _, reg := range m.registrations {
			m.engine.RemoveCallback(reg)
		}
		m.registrations = nil

		if err := m.client.Unsubscribe(m.TransmitTopic()); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}

		close(m.done)
		m.wg.Wait()
		m.logger.Info("MQTT bridge stopped")
	})
}

// handleEvent runs on the engine's callback goroutine, so it only queues.
// A full queue drops the event rather than stalling the engine.
func (m *Manager) handleEvent(ev cec.Event) error {
	payload, err := json.Marshal(EventMessage{Kind: ev.Kind().String(), Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}

	select {
	case m.queue <- outbound{topic: m.EventTopic(ev.Kind()), payload: payload}:
	case <-m.done:
	default:
		m.logger.Warn("Publish queue full, dropping event", zap.Stringer("kind", ev.Kind()))
	}
	return nil
}

func (m *Manager) publishLoop() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.queue:
			m.publish(msg)
		case <-m.done:
			for {
				select {
				case msg := <-m.queue:
					m.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) publish(msg outbound) {
	if err := m.client.Publish(msg.topic, msg.payload); err != nil {
		m.logger.Error("Failed to publish event",
			zap.String("topic", msg.topic),
			zap.Error(err))
	}
}

func (m *Manager) handleTransmit(_ mqtt.Conn, msg mqtt.Message) {
	m.Transmit(msg.Payload())
}

// Transmit decodes a FrameRequest and sends it, publishing the outcome.
func (m *Manager) Transmit(payload []byte) TransmitResult {
	result := m.transmit(payload)

	body, _ := json.Marshal(result)
	if err := m.client.Publish(m.TransmitResultTopic(), body); err != nil {
		m.logger.Error("Failed to publish transmit result", zap.Error(err))
	}
	return result
}

func (m *Manager) transmit(payload []byte) TransmitResult {
	var req cec.FrameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("Invalid transmit request", zap.Error(err))
		return TransmitResult{Reason: string(cec.TransmitReasonInvalid), Error: err.Error()}
	}

	frame, err := req.Frame()
	if err != nil {
		return TransmitResult{Reason: string(cec.TransmitReasonInvalid), Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), TransmitTimeout)
	defer cancel()

	if err := m.engine.Transmit(ctx, frame); err != nil {
		res := TransmitResult{Error: err.Error()}
		var terr *cec.TransmitError
		switch {
		case errors.As(err, &terr):
			res.Reason = string(terr.Reason)
		case errors.Is(err, cec.ErrNotOpen):
			res.Reason = "not_open"
		}
		return res
	}

	m.logger.Debug("Frame transmitted",
		zap.Stringer("initiator", frame.Initiator),
		zap.Stringer("destination", frame.Destination))
	return TransmitResult{OK: true}
}
