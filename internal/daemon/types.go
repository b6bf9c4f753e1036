package daemon

import (
	"encoding/json"

	"cecbridge/internal/cec"
)

// Message is the envelope of every frame exchanged with the CEC daemon.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Code    *int            `json:"code,omitempty"`
	Version string          `json:"version,omitempty"`
}

// Error is an error response from the daemon.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes the daemon uses for transmit failures.
const (
	CodeTimeout = "timeout"
	CodeNack    = "nack"
	CodeBusBusy = "bus_busy"
)

// Event is a callback fired by the daemon's adapter thread.
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// InitRequest hands the engine configuration to the daemon.
type InitRequest struct {
	Type           string `json:"type"`
	AccessToken    string `json:"access_token,omitempty"`
	DeviceName     string `json:"device_name"`
	ClientVersion  string `json:"client_version"`
	ActivateSource bool   `json:"activate_source"`
}

// Request is a command sent to the daemon that expects a result.
type Request struct {
	ID       int                    `json:"id"`
	Type     string                 `json:"type"`
	Capacity int                    `json:"capacity,omitempty"`
	Adapter  *cec.AdapterDescriptor `json:"adapter,omitempty"`
	Handle   uint64                 `json:"handle,omitempty"`
	Frame    *WireFrame             `json:"frame,omitempty"`
}

// EventResult reports a callback's return code back to the daemon.
type EventResult struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Code int    `json:"code"`
}

// DetectResult is the result of a detect_adapters request.
type DetectResult struct {
	Count    int                     `json:"count"`
	Adapters []cec.AdapterDescriptor `json:"adapters"`
}

// OpenResult is the result of an open request.
type OpenResult struct {
	Handle uint64 `json:"handle"`
}

// WireFrame is a frame as the daemon encodes it.
type WireFrame struct {
	Initiator         uint8  `json:"initiator"`
	Destination       uint8  `json:"destination"`
	Ack               bool   `json:"ack"`
	EOM               bool   `json:"eom"`
	Opcode            *uint8 `json:"opcode,omitempty"`
	Parameters        []int  `json:"parameters,omitempty"`
	TransmitTimeoutMs int64  `json:"transmit_timeout_ms"`
}

func toWireFrame(f cec.Frame) *WireFrame {
	w := &WireFrame{
		Initiator:         uint8(f.Initiator),
		Destination:       uint8(f.Destination),
		Ack:               f.Ack,
		EOM:               f.EOM,
		TransmitTimeoutMs: f.TransmitTimeout.Milliseconds(),
	}
	if f.Opcode != nil {
		op := uint8(*f.Opcode)
		w.Opcode = &op
	}
	for _, b := range f.Parameters {
		w.Parameters = append(w.Parameters, int(b))
	}
	return w
}

// Event payloads, mirroring the daemon's native callback records.

type LogMessageData struct {
	Message string `json:"message"`
	Level   int32  `json:"level"`
	Time    int64  `json:"time"`
}

type KeyPressData struct {
	Keycode  int32  `json:"keycode"`
	Duration uint32 `json:"duration"`
}

type CommandData struct {
	Initiator       int32 `json:"initiator"`
	Destination     int32 `json:"destination"`
	Ack             int8  `json:"ack"`
	EOM             int8  `json:"eom"`
	Opcode          int32 `json:"opcode"`
	OpcodeSet       int8  `json:"opcode_set"`
	Parameters      []int `json:"parameters"`
	TransmitTimeout int32 `json:"transmit_timeout"`
}

type ConfigData struct {
	DeviceName      string `json:"device_name"`
	PhysicalAddress uint16 `json:"physical_address"`
	BaseDevice      int32  `json:"base_device"`
	HDMIPort        uint8  `json:"hdmi_port"`
	ClientVersion   uint32 `json:"client_version"`
	ServerVersion   uint32 `json:"server_version"`
}

type AlertData struct {
	Type  int32  `json:"type"`
	Param string `json:"param"`
}

type MenuStateData struct {
	State int32 `json:"state"`
}

type SourceActivatedData struct {
	Address   int32 `json:"address"`
	Activated uint8 `json:"activated"`
}
