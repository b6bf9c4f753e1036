package cec

import (
	"fmt"
	"time"
)

// MaxDeviceNameLength is the longest device name the engine accepts,
// excluding the terminator.
const MaxDeviceNameLength = 12

// MaxLogMessageLength is the size of the engine's log message buffer.
const MaxLogMessageLength = 1024

// MaxParameterLength is the capacity of a command's parameter packet.
const MaxParameterLength = 64

// ClientVersionCurrent asks the engine to speak its newest client protocol.
const ClientVersionCurrent = "current"

// AdapterDescriptor identifies a physical or virtual CEC adapter.
// It is a snapshot taken by a single discovery call.
type AdapterDescriptor struct {
	Path            string `json:"path" yaml:"path"`
	ComPort         string `json:"com_port" yaml:"com_port"`
	VendorID        uint16 `json:"vendor_id" yaml:"vendor_id"`
	ProductID       uint16 `json:"product_id" yaml:"product_id"`
	FirmwareVersion uint16 `json:"firmware_version" yaml:"firmware_version"`
}

func (a AdapterDescriptor) String() string {
	return fmt.Sprintf("%s (%s) %04x:%04x fw %d", a.Path, a.ComPort, a.VendorID, a.ProductID, a.FirmwareVersion)
}

// EngineConfig is handed to the engine once at bootstrap and never mutated.
type EngineConfig struct {
	DeviceName     string `json:"device_name" yaml:"device_name"`
	ClientVersion  string `json:"client_version" yaml:"client_version"`
	ActivateSource bool   `json:"activate_source" yaml:"activate_source"`
}

// DefaultEngineConfig returns the configuration used when nothing is overridden.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DeviceName:    "cec-bridge",
		ClientVersion: ClientVersionCurrent,
	}
}

// Validate checks the limits imposed by the engine's fixed-size config fields.
func (c EngineConfig) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if len(c.DeviceName) > MaxDeviceNameLength {
		return fmt.Errorf("device name %q is %d bytes, limit is %d", c.DeviceName, len(c.DeviceName), MaxDeviceNameLength)
	}
	if c.ClientVersion == "" {
		return fmt.Errorf("client version cannot be empty")
	}
	return nil
}

// LogicalAddress is a CEC bus device identifier (0-15).
type LogicalAddress uint8

const (
	LogicalAddressTV               LogicalAddress = 0x0
	LogicalAddressRecordingDevice1 LogicalAddress = 0x1
	LogicalAddressRecordingDevice2 LogicalAddress = 0x2
	LogicalAddressTuner1           LogicalAddress = 0x3
	LogicalAddressPlaybackDevice1  LogicalAddress = 0x4
	LogicalAddressAudioSystem      LogicalAddress = 0x5
	LogicalAddressTuner2           LogicalAddress = 0x6
	LogicalAddressTuner3           LogicalAddress = 0x7
	LogicalAddressPlaybackDevice2  LogicalAddress = 0x8
	LogicalAddressRecordingDevice3 LogicalAddress = 0x9
	LogicalAddressTuner4           LogicalAddress = 0xA
	LogicalAddressPlaybackDevice3  LogicalAddress = 0xB
	LogicalAddressReserved1        LogicalAddress = 0xC
	LogicalAddressReserved2        LogicalAddress = 0xD
	LogicalAddressFreeUse          LogicalAddress = 0xE
	LogicalAddressBroadcast        LogicalAddress = 0xF
)

var logicalAddressNames = [...]string{
	"TV", "Recording 1", "Recording 2", "Tuner 1", "Playback 1", "Audio",
	"Tuner 2", "Tuner 3", "Playback 2", "Recording 3", "Tuner 4", "Playback 3",
	"Reserved 1", "Reserved 2", "Free use", "Broadcast",
}

func (l LogicalAddress) String() string {
	if int(l) < len(logicalAddressNames) {
		return logicalAddressNames[l]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(l))
}

// Valid reports whether the address fits the 4-bit bus field.
func (l LogicalAddress) Valid() bool {
	return l <= LogicalAddressBroadcast
}

// LogLevel is the engine's log level bitfield.
type LogLevel int

const (
	LogLevelError   LogLevel = 1
	LogLevelWarning LogLevel = 2
	LogLevelNotice  LogLevel = 4
	LogLevelTraffic LogLevel = 8
	LogLevelDebug   LogLevel = 16
	LogLevelAll     LogLevel = 31
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarning:
		return "warning"
	case LogLevelNotice:
		return "notice"
	case LogLevelTraffic:
		return "traffic"
	case LogLevelDebug:
		return "debug"
	case LogLevelAll:
		return "all"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Opcode is the command-type tag of a frame. The catalog of values belongs
// to the engine; this package treats it as opaque.
type Opcode uint8

// Frame is a single CEC protocol message.
type Frame struct {
	Initiator       LogicalAddress `json:"initiator"`
	Destination     LogicalAddress `json:"destination"`
	Ack             bool           `json:"ack"`
	EOM             bool           `json:"eom"`
	Opcode          *Opcode        `json:"opcode,omitempty"`
	Parameters      []byte         `json:"parameters,omitempty"`
	TransmitTimeout time.Duration  `json:"transmit_timeout"`
}

// Validate checks that a frame can be encoded by the engine.
func (f Frame) Validate() error {
	if !f.Initiator.Valid() {
		return fmt.Errorf("initiator %d out of range", f.Initiator)
	}
	if !f.Destination.Valid() {
		return fmt.Errorf("destination %d out of range", f.Destination)
	}
	if len(f.Parameters) > MaxParameterLength {
		return fmt.Errorf("%d parameter bytes exceed limit of %d", len(f.Parameters), MaxParameterLength)
	}
	if len(f.Parameters) > 0 && f.Opcode == nil {
		return fmt.Errorf("parameters require an opcode")
	}
	return nil
}

// Session is a handle to an open adapter connection.
type Session struct {
	ID       string            `json:"id"`
	Adapter  AdapterDescriptor `json:"adapter"`
	OpenedAt time.Time         `json:"opened_at"`

	handle Handle
}
