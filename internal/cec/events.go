package cec

import (
	"fmt"
	"time"
)

// EventKind tags the asynchronous notifications the engine produces.
type EventKind int

const (
	KindSessionOpened EventKind = iota
	KindLogMessage
	KindKeyPress
	KindCommand
	KindConfigChanged
	KindAlert
	KindMenuStateChanged
	KindSourceActivated
)

// AllKinds lists every event kind in declaration order.
var AllKinds = []EventKind{
	KindSessionOpened,
	KindLogMessage,
	KindKeyPress,
	KindCommand,
	KindConfigChanged,
	KindAlert,
	KindMenuStateChanged,
	KindSourceActivated,
}

var kindNames = map[EventKind]string{
	KindSessionOpened:    "open",
	KindLogMessage:       "log_message",
	KindKeyPress:         "key_press",
	KindCommand:          "command",
	KindConfigChanged:    "config_changed",
	KindAlert:            "alert",
	KindMenuStateChanged: "menu_state_changed",
	KindSourceActivated:  "source_activated",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseEventKind maps a kind name back to its value. The empty string
// selects KindSessionOpened, the default channel for add_callback.
func ParseEventKind(name string) (EventKind, error) {
	if name == "" {
		return KindSessionOpened, nil
	}
	for kind, n := range kindNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is the payload handed to handlers. Each kind has exactly one
// concrete payload type.
type Event interface {
	Kind() EventKind
}

// SessionOpened is emitted after a session has been opened.
type SessionOpened struct {
	Session Session `json:"session"`
}

// LogMessage is a log line produced by the engine.
type LogMessage struct {
	Level   LogLevel  `json:"level"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// KeyPress is a remote-control key event.
type KeyPress struct {
	Keycode  uint8         `json:"keycode"`
	Duration time.Duration `json:"duration"`
}

// Command is an inbound frame observed on the bus.
type Command struct {
	Initiator       LogicalAddress `json:"initiator"`
	Destination     LogicalAddress `json:"destination"`
	Ack             bool           `json:"ack"`
	EOM             bool           `json:"eom"`
	Opcode          *Opcode        `json:"opcode,omitempty"`
	Parameters      []byte         `json:"parameters,omitempty"`
	TransmitTimeout time.Duration  `json:"transmit_timeout"`
}

// ConfigChanged reports a change of the adapter or library configuration.
type ConfigChanged struct {
	DeviceName      string         `json:"device_name"`
	PhysicalAddress uint16         `json:"physical_address"`
	BaseDevice      LogicalAddress `json:"base_device"`
	HDMIPort        uint8          `json:"hdmi_port"`
	ClientVersion   uint32         `json:"client_version"`
	ServerVersion   uint32         `json:"server_version"`
}

// AlertType names the engine alert that fired.
type AlertType int

const (
	AlertServiceDevice AlertType = iota
	AlertConnectionLost
	AlertPermissionError
	AlertPortBusy
	AlertPhysicalAddressError
	AlertTVPollFailed
)

func (a AlertType) String() string {
	switch a {
	case AlertServiceDevice:
		return "service_device"
	case AlertConnectionLost:
		return "connection_lost"
	case AlertPermissionError:
		return "permission_error"
	case AlertPortBusy:
		return "port_busy"
	case AlertPhysicalAddressError:
		return "physical_address_error"
	case AlertTVPollFailed:
		return "tv_poll_failed"
	default:
		return fmt.Sprintf("alert(%d)", int(a))
	}
}

// Alert is an out-of-band warning from the engine.
type Alert struct {
	Type  AlertType `json:"type"`
	Param string    `json:"param,omitempty"`
}

// MenuStateChanged reports that a device asked to show or hide its menu.
type MenuStateChanged struct {
	Activated bool `json:"activated"`
}

// SourceActivated reports a change of the active HDMI source.
type SourceActivated struct {
	Address   LogicalAddress `json:"address"`
	Activated bool           `json:"activated"`
}

func (SessionOpened) Kind() EventKind    { return KindSessionOpened }
func (LogMessage) Kind() EventKind       { return KindLogMessage }
func (KeyPress) Kind() EventKind         { return KindKeyPress }
func (Command) Kind() EventKind          { return KindCommand }
func (ConfigChanged) Kind() EventKind    { return KindConfigChanged }
func (Alert) Kind() EventKind            { return KindAlert }
func (MenuStateChanged) Kind() EventKind { return KindMenuStateChanged }
func (SourceActivated) Kind() EventKind  { return KindSourceActivated }
