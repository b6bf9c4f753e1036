// Package cec is the adapter session and event-dispatch engine of the
// bridge. It discovers adapters, manages the single open session, and
// turns callbacks fired on the protocol engine's worker goroutine into
// ordered, synchronous invocations of application handlers.
//
// A process creates exactly one Context with Bootstrap and tears it down
// with Close.
package cec

import (
	"context"
	"fmt"
	"sync"

	"cecbridge/internal/clock"

	"go.uber.org/zap"
)

// Options tunes Bootstrap. The zero value is usable.
type Options struct {
	// DetectCapacity is the initial adapter discovery buffer size.
	DetectCapacity int

	// Observer receives dispatch and transmit outcomes.
	Observer Observer

	// Clock stamps session open times. Defaults to the real clock.
	Clock clock.Clock
}

// Context is the process-wide engine state: the engine instance, its
// immutable configuration, the callback registry and the session manager.
type Context struct {
	mu         sync.RWMutex
	engine     Engine
	config     EngineConfig
	registry   *Registry
	dispatcher *Dispatcher
	catalog    *Catalog
	sessions   *SessionManager
	logger     *zap.Logger

	closeOnce sync.Once
}

// Bootstrap validates cfg, wires the dispatcher's trampolines into the
// engine's callback table, initialises the engine and runs its one-shot
// video initialisation.
func Bootstrap(engine Engine, cfg EngineConfig, opts Options, logger *zap.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	c := &Context{
		engine: engine,
		config: cfg,
		logger: logger,
	}
	c.registry = NewRegistry(&c.mu, logger)
	c.dispatcher = NewDispatcher(c.registry, opts.Observer, logger)
	c.catalog = NewCatalog(engine, opts.DetectCapacity, logger)
	c.sessions = NewSessionManager(&c.mu, engine, c.catalog, c.dispatcher, opts.Observer, opts.Clock, logger)

	if err := engine.Initialise(cfg, c.dispatcher.Callbacks()); err != nil {
		return nil, &EngineError{Op: "initialise", Err: err}
	}
	engine.InitVideoStandalone()

	logger.Info("CEC engine initialised",
		zap.String("device_name", cfg.DeviceName),
		zap.String("client_version", cfg.ClientVersion),
		zap.Bool("activate_source", cfg.ActivateSource))

	return c, nil
}

// Config returns the engine configuration.
func (c *Context) Config() EngineConfig {
	return c.config
}

// ListAdapters returns the adapters the engine can see.
func (c *Context) ListAdapters() ([]AdapterDescriptor, error) {
	return c.catalog.ListAdapters()
}

// Open opens a session; see SessionManager.Open.
func (c *Context) Open(ctx context.Context, adapter *AdapterDescriptor) (*Session, error) {
	return c.sessions.Open(ctx, adapter)
}

// Transmit sends a frame on the open session.
func (c *Context) Transmit(ctx context.Context, frame Frame) error {
	return c.sessions.Transmit(ctx, frame)
}

// CloseSession closes the open session, if any.
func (c *Context) CloseSession() error {
	return c.sessions.Close()
}

// CurrentSession returns the open session, if any.
func (c *Context) CurrentSession() (*Session, bool) {
	return c.sessions.Current()
}

// AddCallback registers handler for kind.
func (c *Context) AddCallback(kind EventKind, handler Handler) (*Registration, error) {
	return c.registry.Register(kind, handler)
}

// RemoveCallback removes a registration made with AddCallback.
func (c *Context) RemoveCallback(reg *Registration) bool {
	return c.registry.Unregister(reg)
}

// CloseOnConnectionLost registers an alert handler that closes the session
// when the engine reports AlertConnectionLost. The engine's handle died with
// the connection, so the close only releases local state; an engine error
// from it is logged and ignored.
func (c *Context) CloseOnConnectionLost() (*Registration, error) {
	return c.AddCallback(KindAlert, AlertHandler(func(a Alert) error {
		if a.Type != AlertConnectionLost || !c.sessions.IsOpen() {
			return nil
		}
		c.logger.Warn("Connection to engine lost, closing session", zap.String("param", a.Param))
		if err := c.sessions.Close(); err != nil {
			c.logger.Debug("Close after connection loss", zap.Error(err))
		}
		return nil
	}))
}

// Sessions exposes the session manager.
func (c *Context) Sessions() *SessionManager {
	return c.sessions
}

// Registry exposes the callback registry.
func (c *Context) Registry() *Registry {
	return c.registry
}

// Dispatcher exposes the event dispatcher.
func (c *Context) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Close closes any open session, releases every registered handler and
// destroys the engine. An open still in flight finishes and is closed
// before the engine goes away. Only the first call has an effect.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sessions.Shutdown()
		c.registry.Close()
		c.engine.Destroy()
		c.logger.Info("CEC engine destroyed")
	})
	return err
}
