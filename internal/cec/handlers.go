package cec

import "fmt"

func unexpected(want EventKind, ev Event) error {
	return fmt.Errorf("expected %s payload, got %T", want, ev)
}

// SessionOpenedHandler adapts a typed function to a Handler.
func SessionOpenedHandler(fn func(SessionOpened) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(SessionOpened)
		if !ok {
			return unexpected(KindSessionOpened, ev)
		}
		return fn(p)
	}
}

// LogMessageHandler adapts a typed function to a Handler.
func LogMessageHandler(fn func(LogMessage) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(LogMessage)
		if !ok {
			return unexpected(KindLogMessage, ev)
		}
		return fn(p)
	}
}

// KeyPressHandler adapts a typed function to a Handler.
func KeyPressHandler(fn func(KeyPress) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(KeyPress)
		if !ok {
			return unexpected(KindKeyPress, ev)
		}
		return fn(p)
	}
}

// CommandHandler adapts a typed function to a Handler.
func CommandHandler(fn func(Command) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(Command)
		if !ok {
			return unexpected(KindCommand, ev)
		}
		return fn(p)
	}
}

// ConfigChangedHandler adapts a typed function to a Handler.
func ConfigChangedHandler(fn func(ConfigChanged) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(ConfigChanged)
		if !ok {
			return unexpected(KindConfigChanged, ev)
		}
		return fn(p)
	}
}

// AlertHandler adapts a typed function to a Handler.
func AlertHandler(fn func(Alert) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(Alert)
		if !ok {
			return unexpected(KindAlert, ev)
		}
		return fn(p)
	}
}

// MenuStateChangedHandler adapts a typed function to a Handler.
func MenuStateChangedHandler(fn func(MenuStateChanged) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(MenuStateChanged)
		if !ok {
			return unexpected(KindMenuStateChanged, ev)
		}
		return fn(p)
	}
}

// SourceActivatedHandler adapts a typed function to a Handler.
func SourceActivatedHandler(fn func(SourceActivated) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ev Event) error {
		p, ok := ev.(SourceActivated)
		if !ok {
			return unexpected(KindSourceActivated, ev)
		}
		return fn(p)
	}
}
