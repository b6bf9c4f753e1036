package cec

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return NewRegistry(&sync.RWMutex{}, zap.NewNop())
}

func TestRegistry_DispatchOrder(t *testing.T) {
	registry := newTestRegistry()

	var calls []string
	_, err := registry.Register(KindKeyPress, func(ev Event) error {
		calls = append(calls, "h1")
		return nil
	})
	require.NoError(t, err)
	_, err = registry.Register(KindKeyPress, func(ev Event) error {
		calls = append(calls, "h2")
		return nil
	})
	require.NoError(t, err)

	n, err := registry.Dispatch(KeyPress{Keycode: 0x41})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"h1", "h2"}, calls)
}

func TestRegistry_DispatchStopsOnFailure(t *testing.T) {
	registry := newTestRegistry()
	cause := errors.New("boom")

	h2Called := false
	_, err := registry.Register(KindCommand, func(ev Event) error { return cause })
	require.NoError(t, err)
	_, err = registry.Register(KindCommand, func(ev Event) error {
		h2Called = true
		return nil
	})
	require.NoError(t, err)

	n, err := registry.Dispatch(Command{})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, h2Called, "handler after a failure must not run")

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, KindCommand, herr.Kind)
	assert.Equal(t, 0, herr.Index)
	assert.ErrorIs(t, err, cause)
}

func TestRegistry_PanicBecomesHandlerError(t *testing.T) {
	registry := newTestRegistry()

	_, err := registry.Register(KindAlert, func(ev Event) error { panic("bad handler") })
	require.NoError(t, err)

	_, err = registry.Dispatch(Alert{})
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, herr.Cause.Error(), "bad handler")
}

func TestRegistry_DuplicateHandlerInvokedTwice(t *testing.T) {
	registry := newTestRegistry()

	count := 0
	handler := func(ev Event) error {
		count++
		return nil
	}
	_, err := registry.Register(KindAlert, handler)
	require.NoError(t, err)
	_, err = registry.Register(KindAlert, handler)
	require.NoError(t, err)

	_, err = registry.Dispatch(Alert{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegistry_RegisterNil(t *testing.T) {
	registry := newTestRegistry()

	_, err := registry.Register(KindLogMessage, nil)
	assert.ErrorIs(t, err, ErrInvalidHandler)

	_, err = registry.Register(KindLogMessage, KeyPressHandler(nil))
	assert.ErrorIs(t, err, ErrInvalidHandler)
}

func TestRegistry_RegisterUnknownKind(t *testing.T) {
	registry := newTestRegistry()

	_, err := registry.Register(EventKind(99), func(ev Event) error { return nil })
	assert.Error(t, err)
}

func TestRegistry_RegisterUnregisterRoundTrip(t *testing.T) {
	registry := newTestRegistry()

	called := false
	reg, err := registry.Register(KindSourceActivated, func(ev Event) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindSourceActivated, reg.Kind())

	assert.True(t, registry.Unregister(reg))
	assert.False(t, registry.Unregister(reg), "second unregister finds nothing")

	n, err := registry.Dispatch(SourceActivated{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, called)
	assert.Equal(t, 0, registry.Count(KindSourceActivated))
}

func TestRegistry_UnregisterRemovesOnlyThatEntry(t *testing.T) {
	registry := newTestRegistry()

	var calls []int
	handler := func(id int) Handler {
		return func(ev Event) error {
			calls = append(calls, id)
			return nil
		}
	}
	_, err := registry.Register(KindKeyPress, handler(1))
	require.NoError(t, err)
	middle, err := registry.Register(KindKeyPress, handler(2))
	require.NoError(t, err)
	_, err = registry.Register(KindKeyPress, handler(3))
	require.NoError(t, err)

	require.True(t, registry.Unregister(middle))

	_, err = registry.Dispatch(KeyPress{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, calls)
}

func TestRegistry_HandlerMayRegisterDuringDispatch(t *testing.T) {
	registry := newTestRegistry()

	var self *Registration
	lateCalls := 0
	var err error
	self, err = registry.Register(KindMenuStateChanged, func(ev Event) error {
		// Re-entrant registration must not deadlock.
		_, err := registry.Register(KindMenuStateChanged, func(ev Event) error {
			lateCalls++
			return nil
		})
		if err != nil {
			return err
		}
		registry.Unregister(self)
		return nil
	})
	require.NoError(t, err)

	n, err := registry.Dispatch(MenuStateChanged{Activated: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "snapshot excludes handlers added during dispatch")
	assert.Equal(t, 0, lateCalls)

	n, err = registry.Dispatch(MenuStateChanged{Activated: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lateCalls)
}

func TestRegistry_RegisterRacesEngineDispatch(t *testing.T) {
	engine := NewMockEngine()
	ctx, err := Bootstrap(engine, DefaultEngineConfig(), Options{}, zap.NewNop())
	require.NoError(t, err)
	defer ctx.Close()

	var stable atomic.Int64
	_, err = ctx.AddCallback(KindKeyPress, func(Event) error {
		stable.Add(1)
		return nil
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				reg, err := ctx.AddCallback(KindKeyPress, func(Event) error { return nil })
				if err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if !ctx.RemoveCallback(reg) {
					t.Errorf("registration vanished before it was removed")
					return
				}
			}
		}()
	}

	const fires = 200
	for i := 0; i < fires; i++ {
		rc, err := engine.FireKeyPress(&NativeKeyPress{Keycode: 0x41, Duration: 10})
		require.NoError(t, err)
		require.Equal(t, CallbackOK, rc)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(fires), stable.Load(), "the long-lived handler sees every event exactly once")
	assert.Equal(t, 1, ctx.Registry().Count(KindKeyPress))
}

func TestRegistry_Close(t *testing.T) {
	registry := newTestRegistry()

	// Closing an empty registry is fine.
	registry.Close()
	registry.Close()

	registry = newTestRegistry()
	_, err := registry.Register(KindAlert, func(ev Event) error { return nil })
	require.NoError(t, err)

	registry.Close()
	assert.Equal(t, 0, registry.Count(KindAlert))

	_, err = registry.Register(KindAlert, func(ev Event) error { return nil })
	assert.ErrorIs(t, err, ErrNotInitialised)
}

func TestTypedHandlers_RejectWrongPayload(t *testing.T) {
	handler := KeyPressHandler(func(KeyPress) error { return nil })
	err := handler(Alert{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "key_press")
}
