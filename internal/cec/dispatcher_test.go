package cec

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu          sync.Mutex
	dispatched  map[EventKind]int
	failed      map[EventKind]int
	rejected    map[EventKind]int
	transmitted []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		dispatched: make(map[EventKind]int),
		failed:     make(map[EventKind]int),
		rejected:   make(map[EventKind]int),
	}
}

func (o *recordingObserver) EventDispatched(kind EventKind, handlers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched[kind]++
}

func (o *recordingObserver) HandlerFailed(kind EventKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
}

func (o *recordingObserver) PayloadRejected(kind EventKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[kind]++
}

func (o *recordingObserver) FrameTransmitted(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transmitted = append(o.transmitted, err)
}

func newTestDispatcher() (*Dispatcher, *Registry, *recordingObserver) {
	registry := newTestRegistry()
	observer := newRecordingObserver()
	return NewDispatcher(registry, observer, zap.NewNop()), registry, observer
}

func TestDispatcher_KeyPressRoundTrip(t *testing.T) {
	dispatcher, registry, observer := newTestDispatcher()

	var recorded []KeyPress
	_, err := registry.Register(KindKeyPress, KeyPressHandler(func(k KeyPress) error {
		recorded = append(recorded, k)
		return nil
	}))
	require.NoError(t, err)

	rc := dispatcher.Callbacks().KeyPress(&NativeKeyPress{Keycode: 0x41, Duration: 120})
	assert.Equal(t, CallbackOK, rc)

	require.Len(t, recorded, 1)
	assert.Equal(t, uint8(0x41), recorded[0].Keycode)
	assert.Equal(t, 120*time.Millisecond, recorded[0].Duration)
	assert.Equal(t, 1, observer.dispatched[KindKeyPress])
}

func TestDispatcher_HandlerFailureReturnsCode(t *testing.T) {
	dispatcher, registry, observer := newTestDispatcher()

	second := false
	_, err := registry.Register(KindAlert, func(ev Event) error { return errors.New("nope") })
	require.NoError(t, err)
	_, err = registry.Register(KindAlert, func(ev Event) error {
		second = true
		return nil
	})
	require.NoError(t, err)

	rc := dispatcher.Callbacks().Alert(&NativeAlert{Type: int32(AlertConnectionLost)})
	assert.Equal(t, CallbackHandlerFailed, rc)
	assert.False(t, second)
	assert.Equal(t, 1, observer.failed[KindAlert])
	assert.Equal(t, 0, observer.dispatched[KindAlert])
}

func TestDispatcher_MalformedPayloadSkipsHandlers(t *testing.T) {
	tests := []struct {
		name string
		kind EventKind
		fire func(cb *Callbacks) int
	}{
		{
			name: "nil log message",
			kind: KindLogMessage,
			fire: func(cb *Callbacks) int { return cb.LogMessage(nil) },
		},
		{
			name: "oversized log message",
			kind: KindLogMessage,
			fire: func(cb *Callbacks) int {
				return cb.LogMessage(&NativeLogMessage{Level: int32(LogLevelError), Message: strings.Repeat("x", MaxLogMessageLength+1)})
			},
		},
		{
			name: "unknown log level",
			kind: KindLogMessage,
			fire: func(cb *Callbacks) int { return cb.LogMessage(&NativeLogMessage{Level: 64}) },
		},
		{
			name: "keycode out of range",
			kind: KindKeyPress,
			fire: func(cb *Callbacks) int { return cb.KeyPress(&NativeKeyPress{Keycode: 0x100}) },
		},
		{
			name: "command initiator out of range",
			kind: KindCommand,
			fire: func(cb *Callbacks) int { return cb.Command(&NativeCommand{Initiator: 16}) },
		},
		{
			name: "command parameter size too large",
			kind: KindCommand,
			fire: func(cb *Callbacks) int {
				return cb.Command(&NativeCommand{OpcodeSet: 1, Parameters: NativeDataPacket{Size: MaxParameterLength + 1}})
			},
		},
		{
			name: "command parameters without opcode",
			kind: KindCommand,
			fire: func(cb *Callbacks) int {
				return cb.Command(&NativeCommand{Parameters: NativeDataPacket{Size: 1}})
			},
		},
		{
			name: "config device name too long",
			kind: KindConfigChanged,
			fire: func(cb *Callbacks) int {
				return cb.ConfigChanged(&NativeConfiguration{DeviceName: "a-very-long-device-name"})
			},
		},
		{
			name: "unknown alert",
			kind: KindAlert,
			fire: func(cb *Callbacks) int { return cb.Alert(&NativeAlert{Type: 42}) },
		},
		{
			name: "unknown menu state",
			kind: KindMenuStateChanged,
			fire: func(cb *Callbacks) int { return cb.MenuStateChanged(7) },
		},
		{
			name: "source address out of range",
			kind: KindSourceActivated,
			fire: func(cb *Callbacks) int { return cb.SourceActivated(-1, 1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher, registry, observer := newTestDispatcher()

			called := false
			_, err := registry.Register(tt.kind, func(ev Event) error {
				called = true
				return nil
			})
			require.NoError(t, err)

			rc := tt.fire(dispatcher.Callbacks())
			assert.Equal(t, CallbackMalformed, rc)
			assert.False(t, called, "handlers must not see a malformed payload")
			assert.Equal(t, 1, observer.rejected[tt.kind])
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	t.Run("with opcode and parameters", func(t *testing.T) {
		native := &NativeCommand{
			Initiator:       int32(LogicalAddressTV),
			Destination:     int32(LogicalAddressPlaybackDevice1),
			Ack:             1,
			EOM:             1,
			Opcode:          0x82,
			OpcodeSet:       1,
			TransmitTimeout: 1000,
		}
		native.Parameters.Data[0] = 0x10
		native.Parameters.Data[1] = 0x00
		native.Parameters.Size = 2

		ev, err := decodeCommand(native)
		require.NoError(t, err)

		cmd := ev.(Command)
		assert.Equal(t, LogicalAddressTV, cmd.Initiator)
		assert.Equal(t, LogicalAddressPlaybackDevice1, cmd.Destination)
		assert.True(t, cmd.Ack)
		assert.True(t, cmd.EOM)
		require.NotNil(t, cmd.Opcode)
		assert.Equal(t, Opcode(0x82), *cmd.Opcode)
		assert.Equal(t, []byte{0x10, 0x00}, cmd.Parameters)
		assert.Equal(t, time.Second, cmd.TransmitTimeout)
	})

	t.Run("poll without opcode", func(t *testing.T) {
		ev, err := decodeCommand(&NativeCommand{Initiator: 4, Destination: 0})
		require.NoError(t, err)

		cmd := ev.(Command)
		assert.Nil(t, cmd.Opcode)
		assert.Nil(t, cmd.Parameters)
	})
}

func TestDecodeLogMessage(t *testing.T) {
	ev, err := decodeLogMessage(&NativeLogMessage{
		Level:   int32(LogLevelWarning),
		Time:    1700000000000,
		Message: "adapter ready",
	})
	require.NoError(t, err)

	msg := ev.(LogMessage)
	assert.Equal(t, LogLevelWarning, msg.Level)
	assert.Equal(t, "adapter ready", msg.Message)
	assert.Equal(t, time.UTC, msg.Time.Location())
	assert.Equal(t, int64(1700000000000), msg.Time.UnixMilli())
}

func TestDecodeMenuAndSource(t *testing.T) {
	ev, err := decodeMenuState(0)
	require.NoError(t, err)
	assert.True(t, ev.(MenuStateChanged).Activated)

	ev, err = decodeMenuState(1)
	require.NoError(t, err)
	assert.False(t, ev.(MenuStateChanged).Activated)

	ev, err = decodeSourceActivated(int32(LogicalAddressPlaybackDevice2), 1)
	require.NoError(t, err)
	assert.Equal(t, SourceActivated{Address: LogicalAddressPlaybackDevice2, Activated: true}, ev)

	_, err = decodeSourceActivated(4, 2)
	var merr *MalformedPayloadError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, KindSourceActivated, merr.Kind)
}

func TestDispatcher_DeliverReturnsHandlerError(t *testing.T) {
	dispatcher, registry, _ := newTestDispatcher()

	cause := errors.New("rejected")
	_, err := registry.Register(KindSessionOpened, func(ev Event) error { return cause })
	require.NoError(t, err)

	err = dispatcher.Deliver(SessionOpened{})
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, cause)
}
