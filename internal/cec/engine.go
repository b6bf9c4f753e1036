package cec

import "context"

// Handle is the engine's opaque reference to an open adapter connection.
type Handle uint64

// Engine is the surface this package needs from the underlying CEC
// protocol engine. Implementations invoke the Callbacks table from their
// own worker goroutine, one callback at a time, and wait for each to
// return before acting on further bus traffic.
//
// Callbacks run inline on the engine's worker. A callback must never call
// Open, Transmit or Close synchronously: the engine may be holding its own
// lock while it waits for the callback to return.
type Engine interface {
	// Initialise hands the engine its configuration and callback table.
	Initialise(cfg EngineConfig, callbacks *Callbacks) error

	// InitVideoStandalone performs the engine's one-shot video setup.
	InitVideoStandalone()

	// DetectAdapters fills buf with up to len(buf) descriptors and returns
	// the total number of adapters found, which may exceed len(buf).
	DetectAdapters(buf []AdapterDescriptor) (int, error)

	Open(ctx context.Context, adapter AdapterDescriptor) (Handle, error)
	Transmit(ctx context.Context, h Handle, frame Frame) error
	Close(h Handle) error

	// Destroy releases the engine. No calls are allowed afterwards.
	Destroy()
}

// Callback return codes reported back to the engine.
const (
	CallbackOK            = 0
	CallbackHandlerFailed = -1
	CallbackMalformed     = -2
)

// Callbacks is the engine's callback table: exactly one slot per event
// kind. Every slot returns one of the Callback* codes.
type Callbacks struct {
	LogMessage       func(msg *NativeLogMessage) int
	KeyPress         func(key *NativeKeyPress) int
	Command          func(cmd *NativeCommand) int
	ConfigChanged    func(cfg *NativeConfiguration) int
	Alert            func(alert *NativeAlert) int
	MenuStateChanged func(state int32) int
	SourceActivated  func(address int32, activated uint8) int
}

// NativeLogMessage mirrors the engine's log message record.
// Time is milliseconds since the Unix epoch, UTC.
type NativeLogMessage struct {
	Message string
	Level   int32
	Time    int64
}

// NativeKeyPress mirrors the engine's key press record. Duration is in
// milliseconds.
type NativeKeyPress struct {
	Keycode  int32
	Duration uint32
}

// NativeDataPacket is the fixed-capacity parameter buffer of a command.
type NativeDataPacket struct {
	Data [MaxParameterLength]uint8
	Size uint8
}

// NativeCommand mirrors the engine's command record. TransmitTimeout is in
// milliseconds.
type NativeCommand struct {
	Initiator       int32
	Destination     int32
	Ack             int8
	EOM             int8
	Opcode          int32
	OpcodeSet       int8
	Parameters      NativeDataPacket
	TransmitTimeout int32
}

// NativeConfiguration mirrors the subset of the engine configuration that
// is reported on change.
type NativeConfiguration struct {
	DeviceName      string
	PhysicalAddress uint16
	BaseDevice      int32
	HDMIPort        uint8
	ClientVersion   uint32
	ServerVersion   uint32
}

// NativeAlert mirrors the engine's alert callback arguments.
type NativeAlert struct {
	Type  int32
	Param string
}
