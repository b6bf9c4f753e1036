package cec

import (
	"fmt"
	"time"
)

// FrameRequest is the JSON form of a frame accepted by the HTTP and MQTT
// surfaces. Parameters are plain numbers rather than base64.
type FrameRequest struct {
	Initiator   uint8  `json:"initiator"`
	Destination uint8  `json:"destination"`
	Ack         bool   `json:"ack"`
	EOM         bool   `json:"eom"`
	Opcode      *uint8 `json:"opcode,omitempty"`
	Parameters  []int  `json:"parameters,omitempty"`
	TimeoutMs   int    `json:"timeout_ms"`
}

// Frame converts r, rejecting parameter values that are not bytes.
func (r FrameRequest) Frame() (Frame, error) {
	f := Frame{
		Initiator:       LogicalAddress(r.Initiator),
		Destination:     LogicalAddress(r.Destination),
		Ack:             r.Ack,
		EOM:             r.EOM,
		TransmitTimeout: time.Duration(r.TimeoutMs) * time.Millisecond,
	}
	if r.TimeoutMs < 0 {
		return Frame{}, fmt.Errorf("timeout_ms cannot be negative")
	}
	if r.Opcode != nil {
		op := Opcode(*r.Opcode)
		f.Opcode = &op
	}
	for i, p := range r.Parameters {
		if p < 0 || p > 0xFF {
			return Frame{}, fmt.Errorf("parameter %d value %d is not a byte", i, p)
		}
		f.Parameters = append(f.Parameters, byte(p))
	}
	return f, f.Validate()
}
