package cec

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Observer is notified of dispatch outcomes. Implementations must be safe
// for use from the engine's worker goroutine.
type Observer interface {
	EventDispatched(kind EventKind, handlers int)
	HandlerFailed(kind EventKind)
	PayloadRejected(kind EventKind)
	FrameTransmitted(err error)
}

type nopObserver struct{}

func (nopObserver) EventDispatched(EventKind, int) {}
func (nopObserver) HandlerFailed(EventKind)        {}
func (nopObserver) PayloadRejected(EventKind)      {}
func (nopObserver) FrameTransmitted(error)         {}

// Dispatcher is the single entry point for engine callbacks. It decodes
// each native payload and fans it out to the registry on the calling
// goroutine; the engine does not proceed until every handler has returned
// or one has failed. A slow handler therefore stalls the engine.
type Dispatcher struct {
	registry *Registry
	observer Observer
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over registry. A nil observer is
// replaced by a no-op.
func NewDispatcher(registry *Registry, observer Observer, logger *zap.Logger) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		registry: registry,
		observer: observer,
		logger:   logger.Named("dispatcher"),
	}
}

// Callbacks returns the trampoline table to hand to the engine.
func (d *Dispatcher) Callbacks() *Callbacks {
	return &Callbacks{
		LogMessage: func(msg *NativeLogMessage) int {
			return d.trampoline(KindLogMessage, func() (Event, error) { return decodeLogMessage(msg) })
		},
		KeyPress: func(key *NativeKeyPress) int {
			return d.trampoline(KindKeyPress, func() (Event, error) { return decodeKeyPress(key) })
		},
		Command: func(cmd *NativeCommand) int {
			return d.trampoline(KindCommand, func() (Event, error) { return decodeCommand(cmd) })
		},
		ConfigChanged: func(cfg *NativeConfiguration) int {
			return d.trampoline(KindConfigChanged, func() (Event, error) { return decodeConfiguration(cfg) })
		},
		Alert: func(alert *NativeAlert) int {
			return d.trampoline(KindAlert, func() (Event, error) { return decodeAlert(alert) })
		},
		MenuStateChanged: func(state int32) int {
			return d.trampoline(KindMenuStateChanged, func() (Event, error) { return decodeMenuState(state) })
		},
		SourceActivated: func(address int32, activated uint8) int {
			return d.trampoline(KindSourceActivated, func() (Event, error) { return decodeSourceActivated(address, activated) })
		},
	}
}

func (d *Dispatcher) trampoline(kind EventKind, decode func() (Event, error)) int {
	ev, err := decode()
	if err != nil {
		d.observer.PayloadRejected(kind)
		d.logger.Error("Dropping undecodable event",
			zap.Stringer("kind", kind),
			zap.Error(err))
		return CallbackMalformed
	}

	if err := d.Deliver(ev); err != nil {
		return CallbackHandlerFailed
	}
	return CallbackOK
}

// Deliver fans a decoded event out to its handlers. A handler failure is
// logged and returned as a *HandlerError.
func (d *Dispatcher) Deliver(ev Event) error {
	kind := ev.Kind()
	n, err := d.registry.Dispatch(ev)
	if err != nil {
		d.observer.HandlerFailed(kind)
		var herr *HandlerError
		if errors.As(err, &herr) {
			d.logger.Warn("Handler failed, skipping remaining handlers",
				zap.Stringer("kind", kind),
				zap.Int("index", herr.Index),
				zap.Error(herr.Cause))
		}
		return err
	}

	d.observer.EventDispatched(kind, n)
	return nil
}

func decodeLogMessage(msg *NativeLogMessage) (Event, error) {
	if msg == nil {
		return nil, malformed(KindLogMessage, "nil payload")
	}
	if len(msg.Message) > MaxLogMessageLength {
		return nil, malformed(KindLogMessage, "message is %d bytes, limit is %d", len(msg.Message), MaxLogMessageLength)
	}
	if msg.Level <= 0 || msg.Level&^int32(LogLevelAll) != 0 {
		return nil, malformed(KindLogMessage, "invalid level %d", msg.Level)
	}
	if msg.Time < 0 {
		return nil, malformed(KindLogMessage, "negative timestamp %d", msg.Time)
	}
	return LogMessage{
		Level:   LogLevel(msg.Level),
		Time:    time.UnixMilli(msg.Time).UTC(),
		Message: msg.Message,
	}, nil
}

func decodeKeyPress(key *NativeKeyPress) (Event, error) {
	if key == nil {
		return nil, malformed(KindKeyPress, "nil payload")
	}
	if key.Keycode < 0 || key.Keycode > 0xFF {
		return nil, malformed(KindKeyPress, "keycode %d out of range", key.Keycode)
	}
	return KeyPress{
		Keycode:  uint8(key.Keycode),
		Duration: time.Duration(key.Duration) * time.Millisecond,
	}, nil
}

func decodeAddress(kind EventKind, field string, v int32) (LogicalAddress, error) {
	if v < 0 || v > int32(LogicalAddressBroadcast) {
		return 0, malformed(kind, "%s address %d out of range", field, v)
	}
	return LogicalAddress(v), nil
}

func decodeCommand(cmd *NativeCommand) (Event, error) {
	if cmd == nil {
		return nil, malformed(KindCommand, "nil payload")
	}
	initiator, err := decodeAddress(KindCommand, "initiator", cmd.Initiator)
	if err != nil {
		return nil, err
	}
	destination, err := decodeAddress(KindCommand, "destination", cmd.Destination)
	if err != nil {
		return nil, err
	}
	if int(cmd.Parameters.Size) > MaxParameterLength {
		return nil, malformed(KindCommand, "parameter size %d exceeds %d", cmd.Parameters.Size, MaxParameterLength)
	}
	if cmd.TransmitTimeout < 0 {
		return nil, malformed(KindCommand, "negative transmit timeout %d", cmd.TransmitTimeout)
	}

	out := Command{
		Initiator:       initiator,
		Destination:     destination,
		Ack:             cmd.Ack != 0,
		EOM:             cmd.EOM != 0,
		TransmitTimeout: time.Duration(cmd.TransmitTimeout) * time.Millisecond,
	}

	if cmd.OpcodeSet != 0 {
		if cmd.Opcode < 0 || cmd.Opcode > 0xFF {
			return nil, malformed(KindCommand, "opcode %d out of range", cmd.Opcode)
		}
		op := Opcode(cmd.Opcode)
		out.Opcode = &op
	} else if cmd.Parameters.Size > 0 {
		return nil, malformed(KindCommand, "%d parameter bytes without opcode", cmd.Parameters.Size)
	}

	if cmd.Parameters.Size > 0 {
		out.Parameters = make([]byte, cmd.Parameters.Size)
		copy(out.Parameters, cmd.Parameters.Data[:cmd.Parameters.Size])
	}

	return out, nil
}

func decodeConfiguration(cfg *NativeConfiguration) (Event, error) {
	if cfg == nil {
		return nil, malformed(KindConfigChanged, "nil payload")
	}
	if len(cfg.DeviceName) > MaxDeviceNameLength {
		return nil, malformed(KindConfigChanged, "device name is %d bytes, limit is %d", len(cfg.DeviceName), MaxDeviceNameLength)
	}
	base, err := decodeAddress(KindConfigChanged, "base device", cfg.BaseDevice)
	if err != nil {
		return nil, err
	}
	return ConfigChanged{
		DeviceName:      cfg.DeviceName,
		PhysicalAddress: cfg.PhysicalAddress,
		BaseDevice:      base,
		HDMIPort:        cfg.HDMIPort,
		ClientVersion:   cfg.ClientVersion,
		ServerVersion:   cfg.ServerVersion,
	}, nil
}

func decodeAlert(alert *NativeAlert) (Event, error) {
	if alert == nil {
		return nil, malformed(KindAlert, "nil payload")
	}
	if alert.Type < int32(AlertServiceDevice) || alert.Type > int32(AlertTVPollFailed) {
		return nil, malformed(KindAlert, "unknown alert type %d", alert.Type)
	}
	return Alert{Type: AlertType(alert.Type), Param: alert.Param}, nil
}

// The engine reports 0 for an activated menu and 1 for a deactivated one.
func decodeMenuState(state int32) (Event, error) {
	switch state {
	case 0:
		return MenuStateChanged{Activated: true}, nil
	case 1:
		return MenuStateChanged{Activated: false}, nil
	default:
		return nil, malformed(KindMenuStateChanged, "unknown menu state %d", state)
	}
}

func decodeSourceActivated(address int32, activated uint8) (Event, error) {
	addr, err := decodeAddress(KindSourceActivated, "source", address)
	if err != nil {
		return nil, err
	}
	if activated > 1 {
		return nil, malformed(KindSourceActivated, "activated flag %d is not boolean", activated)
	}
	return SourceActivated{Address: addr, Activated: activated == 1}, nil
}
