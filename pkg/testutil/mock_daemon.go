// Package testutil provides testing utilities for the CEC bridge.
// This package contains a mock CEC daemon WebSocket server and helpers
// for writing integration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"cecbridge/internal/cec"
	"cecbridge/internal/daemon"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// MockDaemon simulates a CEC daemon that owns a set of adapters.
type MockDaemon struct {
	server *httptest.Server
	token  string

	adapters    []cec.AdapterDescriptor
	transmitErr *daemon.Error
	openDelay   time.Duration
	mu          sync.Mutex

	connections []*connWrapper
	connsMu     sync.Mutex

	nextHandle uint64
	nextEvent  int
	results    map[int]chan int
	resultsMu  sync.Mutex

	requests   []RequestRecord // Track all requests for verification
	requestsMu sync.Mutex
	inits      []daemon.InitRequest
}

// NewMockDaemon creates and starts a mock daemon that accepts token.
func NewMockDaemon(token string, adapters ...cec.AdapterDescriptor) *MockDaemon {
	d := &MockDaemon{
		token:    token,
		adapters: adapters,
		results:  make(map[int]chan int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cec", d.handleWebSocket)
	d.server = httptest.NewServer(mux)
	return d
}

// URL returns the WebSocket URL of the daemon.
func (d *MockDaemon) URL() string {
	return "ws" + strings.TrimPrefix(d.server.URL, "http") + "/cec"
}

// Stop closes every connection and shuts the server down.
func (d *MockDaemon) Stop() {
	d.DropConnections()
	d.server.Close()
}

// DropConnections closes every client connection without stopping the server.
func (d *MockDaemon) DropConnections() {
	d.connsMu.Lock()
	for _, wrapper := range d.connections {
		wrapper.conn.Close()
	}
	d.connections = nil
	d.connsMu.Unlock()
}

// Connections returns the number of authenticated connections.
func (d *MockDaemon) Connections() int {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	return len(d.connections)
}

// SetAdapters replaces the adapters reported by detect_adapters.
func (d *MockDaemon) SetAdapters(adapters ...cec.AdapterDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters = adapters
}

// SetTransmitError makes transmit requests fail with code.
// An empty code clears the failure.
func (d *MockDaemon) SetTransmitError(code, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == "" {
		d.transmitErr = nil
		return
	}
	d.transmitErr = &daemon.Error{Code: code, Message: message}
}

// SetOpenDelay delays every open result by d.
func (d *MockDaemon) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
}

// Inits returns every init request the daemon accepted.
func (d *MockDaemon) Inits() []daemon.InitRequest {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	inits := make([]daemon.InitRequest, len(d.inits))
	copy(inits, d.inits)
	return inits
}

// FireEvent sends an event to every connection and waits for the first
// result code.
func (d *MockDaemon) FireEvent(kind string, data interface{}) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return d.FireRawEvent(kind, raw)
}

// FireRawEvent sends an event whose data is raw JSON.
func (d *MockDaemon) FireRawEvent(kind string, raw json.RawMessage) (int, error) {
	d.resultsMu.Lock()
	d.nextEvent++
	id := d.nextEvent
	ch := make(chan int, 1)
	d.results[id] = ch
	d.resultsMu.Unlock()

	defer func() {
		d.resultsMu.Lock()
		delete(d.results, id)
		d.resultsMu.Unlock()
	}()

	msg := daemon.Message{
		ID:    id,
		Type:  "event",
		Event: &daemon.Event{Kind: kind, Data: raw},
	}

	d.connsMu.Lock()
	wrappers := make([]*connWrapper, len(d.connections))
	copy(wrappers, d.connections)
	d.connsMu.Unlock()

	if len(wrappers) == 0 {
		return 0, fmt.Errorf("no connected clients")
	}
	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}

	select {
	case code := <-ch:
		return code, nil
	case <-time.After(2 * time.Second):
		return 0, fmt.Errorf("timeout waiting for %s event result", kind)
	}
}

// handleWebSocket handles WebSocket connections
func (d *MockDaemon) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer func() {
		d.connsMu.Lock()
		for i, w := range d.connections {
			if w.conn == conn {
				d.connections = append(d.connections[:i], d.connections[i+1:]...)
				break
			}
		}
		d.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(daemon.Message{Type: "hello", Version: "mock-6.0"})

	var init daemon.InitRequest
	if err := conn.ReadJSON(&init); err != nil {
		log.Printf("Failed to read init: %v", err)
		return
	}

	if init.AccessToken != d.token {
		wrapper.write(daemon.Message{
			Type:  "init_failed",
			Error: &daemon.Error{Code: "unauthorized", Message: "invalid access token"},
		})
		return
	}

	d.requestsMu.Lock()
	d.inits = append(d.inits, init)
	d.requestsMu.Unlock()

	d.connsMu.Lock()
	d.connections = append(d.connections, wrapper)
	d.connsMu.Unlock()

	wrapper.write(daemon.Message{Type: "init_ok"})

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		if base.Type == "event_result" {
			d.handleEventResult(msg)
			continue
		}

		var req daemon.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		d.record(req)
		wrapper.write(d.handleRequest(req))
	}
}

func (d *MockDaemon) handleEventResult(msg json.RawMessage) {
	var res daemon.EventResult
	if err := json.Unmarshal(msg, &res); err != nil {
		return
	}

	d.resultsMu.Lock()
	ch, ok := d.results[res.ID]
	d.resultsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res.Code:
	default:
	}
}

func (d *MockDaemon) handleRequest(req daemon.Request) daemon.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Type {
	case "init_video":
		return ok(req.ID, nil)

	case "detect_adapters":
		n := len(d.adapters)
		if req.Capacity < n {
			n = req.Capacity
		}
		return ok(req.ID, daemon.DetectResult{
			Count:    len(d.adapters),
			Adapters: d.adapters[:n],
		})

	case "open":
		if d.openDelay > 0 {
			time.Sleep(d.openDelay)
		}
		d.nextHandle++
		return ok(req.ID, daemon.OpenResult{Handle: d.nextHandle})

	case "transmit":
		if d.transmitErr != nil {
			return failed(req.ID, d.transmitErr)
		}
		return ok(req.ID, nil)

	case "close":
		return ok(req.ID, nil)

	default:
		return failed(req.ID, &daemon.Error{Code: "unknown_request", Message: req.Type})
	}
}

func ok(id int, result interface{}) daemon.Message {
	success := true
	msg := daemon.Message{ID: id, Type: "result", Success: &success}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	return msg
}

func failed(id int, e *daemon.Error) daemon.Message {
	success := false
	return daemon.Message{ID: id, Type: "result", Success: &success, Error: e}
}
