// Package daemon implements cec.Engine on top of a remote CEC daemon: the
// process that owns the adapter hardware and exposes libcec over a JSON
// WebSocket protocol.
//
// The client's receive goroutine plays the role of the engine's worker
// thread. Events are handed to the callback table inline on that
// goroutine, and responses to pending requests are read by it too, so a
// callback that issues a request synchronously will stall until the
// request times out.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cecbridge/internal/cec"
	"cecbridge/internal/clock"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds how long a request waits for its result.
const DefaultRequestTimeout = 10 * time.Second

// Client implements cec.Engine against a CEC daemon.
//
// Events are delivered on the goroutine that reads the connection, which is
// also the goroutine that reads request results. Handlers must not call
// Open, Transmit or Close synchronously; the call would wait on a result
// that can no longer be read.
//
// Session handles do not survive a lost connection. After the
// connection-lost alert the daemon has dropped every session it held, and
// transmits on an old handle fail until the session is closed and opened
// again; cec.Context.CloseOnConnectionLost automates the close.
type Client struct {
	url     string
	token   string
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	connCtx   context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex // Protects websocket writes

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	config    cec.EngineConfig
	callbacks *cec.Callbacks

	lifetime  context.Context
	stop      context.CancelFunc
	reconnect bool
}

var _ cec.Engine = (*Client)(nil)

// NewClient creates a client for the daemon at url. Nothing is dialled
// until Initialise.
func NewClient(url, token string, clk clock.Clock, logger *zap.Logger) *Client {
	lifetime, stop := context.WithCancel(context.Background())
	connCtx, cancel := context.WithCancel(lifetime)
	return &Client{
		url:       url,
		token:     token,
		clock:     clk,
		timeout:   DefaultRequestTimeout,
		logger:    logger.Named("daemon"),
		pending:   make(map[int]chan Message),
		connCtx:   connCtx,
		cancel:    cancel,
		lifetime:  lifetime,
		stop:      stop,
		reconnect: true,
	}
}

// SetRequestTimeout changes how long requests wait for a result.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.timeout = d
}

// Initialise connects to the daemon and hands it cfg. Events received from
// then on are delivered to callbacks.
func (c *Client) Initialise(cfg cec.EngineConfig, callbacks *cec.Callbacks) error {
	c.connMu.Lock()
	c.config = cfg
	c.callbacks = callbacks
	c.connMu.Unlock()

	return c.connect()
}

func (c *Client) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to CEC daemon: %w", err)
	}

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != "hello" {
		conn.Close()
		return fmt.Errorf("expected hello, got %s", hello.Type)
	}

	init := InitRequest{
		Type:           "init",
		AccessToken:    c.token,
		DeviceName:     c.config.DeviceName,
		ClientVersion:  c.config.ClientVersion,
		ActivateSource: c.config.ActivateSource,
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send init: %w", err)
	}

	var initResp Message
	if err := conn.ReadJSON(&initResp); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read init response: %w", err)
	}
	switch initResp.Type {
	case "init_ok":
	case "init_failed":
		conn.Close()
		if initResp.Error != nil {
			return fmt.Errorf("daemon rejected init: %s", initResp.Error.Message)
		}
		return fmt.Errorf("daemon rejected init")
	default:
		conn.Close()
		return fmt.Errorf("expected init_ok, got %s", initResp.Type)
	}

	c.cancel()
	c.connCtx, c.cancel = context.WithCancel(c.lifetime)
	c.conn = conn
	c.connected = true

	c.logger.Info("Connected to CEC daemon",
		zap.String("url", c.url),
		zap.String("daemon_version", hello.Version))

	go c.receiveMessages(conn, c.connCtx)
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// InitVideoStandalone asks the daemon to run its one-shot video setup.
func (c *Client) InitVideoStandalone() {
	if _, err := c.sendRequest(context.Background(), &Request{Type: "init_video"}); err != nil {
		c.logger.Warn("Video initialisation failed", zap.Error(err))
	}
}

// DetectAdapters asks the daemon for up to len(buf) adapters.
func (c *Client) DetectAdapters(buf []cec.AdapterDescriptor) (int, error) {
	resp, err := c.sendRequest(context.Background(), &Request{
		Type:     "detect_adapters",
		Capacity: len(buf),
	})
	if err != nil {
		return 0, err
	}

	var result DetectResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal adapters: %w", err)
	}

	copy(buf, result.Adapters)
	return result.Count, nil
}

// Open opens adapter on the daemon. If the wait is abandoned after the
// request went out, a handle the daemon still returns is closed so the
// daemon never holds a session nobody owns.
func (c *Client) Open(ctx context.Context, adapter cec.AdapterDescriptor) (cec.Handle, error) {
	resp, err := c.doRequest(ctx, &Request{
		Type:    "open",
		Adapter: &adapter,
	}, c.closeLateOpen)
	if err != nil {
		return 0, err
	}

	var result OpenResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal open result: %w", err)
	}
	return cec.Handle(result.Handle), nil
}

func (c *Client) closeLateOpen(resp *Message) {
	var result OpenResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.logger.Warn("Failed to unmarshal late open result", zap.Error(err))
		return
	}

	c.logger.Warn("Closing session opened after the caller gave up",
		zap.Uint64("handle", result.Handle))
	if err := c.Close(cec.Handle(result.Handle)); err != nil {
		c.logger.Error("Failed to close abandoned session",
			zap.Uint64("handle", result.Handle),
			zap.Error(err))
	}
}

// Transmit sends frame through the session identified by h.
func (c *Client) Transmit(ctx context.Context, h cec.Handle, frame cec.Frame) error {
	_, err := c.sendRequest(ctx, &Request{
		Type:   "transmit",
		Handle: uint64(h),
		Frame:  toWireFrame(frame),
	})
	return err
}

// Close closes the session identified by h.
func (c *Client) Close(h cec.Handle) error {
	_, err := c.sendRequest(context.Background(), &Request{
		Type:   "close",
		Handle: uint64(h),
	})
	return err
}

// Destroy disconnects from the daemon and stops reconnecting.
func (c *Client) Destroy() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.stop()

	if !c.connected {
		return
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from CEC daemon")
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

func (c *Client) write(v interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// sendRequest sends req and waits for its result
func (c *Client) sendRequest(ctx context.Context, req *Request) (*Message, error) {
	return c.doRequest(ctx, req, nil)
}

// doRequest sends req and waits for its result. When late is set and the
// wait ends through ctx or the request timeout, the pending entry is kept
// and a successful result that still arrives is handed to late.
func (c *Client) doRequest(ctx context.Context, req *Request, late func(*Message)) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	connCtx := c.connCtx
	c.connMu.RUnlock()

	req.ID = c.nextMsgID()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()

	release := func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}

	if err := c.write(req); err != nil {
		release()
		return nil, fmt.Errorf("failed to send %s: %w", req.Type, err)
	}

	var waitErr error
	select {
	case resp := <-respChan:
		release()
		if resp.Success != nil && !*resp.Success {
			return nil, responseError(resp.Error)
		}
		return &resp, nil
	case <-c.clock.After(c.timeout):
		waitErr = fmt.Errorf("timeout waiting for %s response", req.Type)
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-connCtx.Done():
		release()
		return nil, fmt.Errorf("connection to CEC daemon lost")
	}

	if late == nil {
		release()
		return nil, waitErr
	}
	go c.awaitLate(req, respChan, connCtx, release, late)
	return nil, waitErr
}

// awaitLate waits one more request timeout for the result of an abandoned
// request.
func (c *Client) awaitLate(req *Request, respChan <-chan Message, connCtx context.Context, release func(), late func(*Message)) {
	defer release()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			return
		}
		late(&resp)
	case <-c.clock.After(c.timeout):
		c.logger.Warn("No result for abandoned request",
			zap.String("type", req.Type),
			zap.Int("msg_id", req.ID))
	case <-connCtx.Done():
	}
}

func responseError(e *Error) error {
	if e == nil {
		return fmt.Errorf("request failed")
	}
	switch e.Code {
	case CodeTimeout:
		return fmt.Errorf("%w: %s", cec.ErrTransmitTimeout, e.Message)
	case CodeNack:
		return fmt.Errorf("%w: %s", cec.ErrTransmitNack, e.Message)
	case CodeBusBusy:
		return fmt.Errorf("%w: %s", cec.ErrBusBusy, e.Message)
	default:
		return fmt.Errorf("daemon error: %s - %s", e.Code, e.Message)
	}
}

// receiveMessages reads the connection until it fails or is cancelled.
// Events are dispatched inline.
func (c *Client) receiveMessages(conn *websocket.Conn, ctx context.Context) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent runs the callback for msg and reports its return code.
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	rc, err := c.invokeCallback(msg.Event)
	if err != nil {
		c.logger.Error("Failed to decode event",
			zap.String("kind", msg.Event.Kind),
			zap.Error(err))
		rc = cec.CallbackMalformed
	}

	if msg.ID == 0 {
		return
	}
	if err := c.write(EventResult{ID: msg.ID, Type: "event_result", Code: rc}); err != nil {
		c.logger.Warn("Failed to send event result", zap.Int("msg_id", msg.ID), zap.Error(err))
	}
}

var errUnknownEvent = errors.New("unknown event kind")

func (c *Client) invokeCallback(ev *Event) (int, error) {
	c.connMu.RLock()
	cb := c.callbacks
	c.connMu.RUnlock()

	if cb == nil {
		return cec.CallbackOK, nil
	}

	switch ev.Kind {
	case "log_message":
		var d LogMessageData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.LogMessage != nil, func() int {
			return cb.LogMessage(&cec.NativeLogMessage{Message: d.Message, Level: d.Level, Time: d.Time})
		}), nil

	case "key_press":
		var d KeyPressData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.KeyPress != nil, func() int {
			return cb.KeyPress(&cec.NativeKeyPress{Keycode: d.Keycode, Duration: d.Duration})
		}), nil

	case "command":
		var d CommandData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		native, err := d.native()
		if err != nil {
			return 0, err
		}
		return call(cb.Command != nil, func() int { return cb.Command(native) }), nil

	case "config_changed":
		var d ConfigData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.ConfigChanged != nil, func() int {
			return cb.ConfigChanged(&cec.NativeConfiguration{
				DeviceName:      d.DeviceName,
				PhysicalAddress: d.PhysicalAddress,
				BaseDevice:      d.BaseDevice,
				HDMIPort:        d.HDMIPort,
				ClientVersion:   d.ClientVersion,
				ServerVersion:   d.ServerVersion,
			})
		}), nil

	case "alert":
		var d AlertData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.Alert != nil, func() int {
			return cb.Alert(&cec.NativeAlert{Type: d.Type, Param: d.Param})
		}), nil

	case "menu_state_changed":
		var d MenuStateData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.MenuStateChanged != nil, func() int { return cb.MenuStateChanged(d.State) }), nil

	case "source_activated":
		var d SourceActivatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return 0, err
		}
		return call(cb.SourceActivated != nil, func() int { return cb.SourceActivated(d.Address, d.Activated) }), nil

	default:
		return 0, fmt.Errorf("%w: %q", errUnknownEvent, ev.Kind)
	}
}

func call(present bool, fn func() int) int {
	if !present {
		return cec.CallbackOK
	}
	return fn()
}

func (d CommandData) native() (*cec.NativeCommand, error) {
	native := &cec.NativeCommand{
		Initiator:       d.Initiator,
		Destination:     d.Destination,
		Ack:             d.Ack,
		EOM:             d.EOM,
		Opcode:          d.Opcode,
		OpcodeSet:       d.OpcodeSet,
		TransmitTimeout: d.TransmitTimeout,
	}
	if len(d.Parameters) > 0xFF {
		return nil, fmt.Errorf("%d parameter bytes cannot be represented", len(d.Parameters))
	}
	for i, p := range d.Parameters {
		if p < 0 || p > 0xFF {
			return nil, fmt.Errorf("parameter %d value %d is not a byte", i, p)
		}
		if i < cec.MaxParameterLength {
			native.Parameters.Data[i] = uint8(p)
		}
	}
	// An oversized packet keeps its real size so the dispatcher rejects it.
	native.Parameters.Size = uint8(len(d.Parameters))
	return native, nil
}

// handleDisconnect reports the lost connection as an alert and starts
// reconnecting.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.cancel()
	reconnect := c.reconnect
	cb := c.callbacks
	c.connMu.Unlock()

	conn.Close()
	c.logger.Warn("Connection to CEC daemon lost")

	if cb != nil && cb.Alert != nil {
		cb.Alert(&cec.NativeAlert{Type: int32(cec.AlertConnectionLost), Param: c.url})
	}

	if !reconnect {
		return
	}
	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.lifetime.Done():
			return
		case <-c.clock.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}
