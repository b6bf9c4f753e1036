package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cecbridge/internal/cec"
	"cecbridge/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testAdapters = []cec.AdapterDescriptor{
	{Path: "/sys/usb/1", ComPort: "/dev/ttyACM0", VendorID: 0x2548, ProductID: 0x1002},
	{Path: "/sys/usb/2", ComPort: "/dev/ttyACM1", VendorID: 0x2548, ProductID: 0x1002},
}

type apiFixture struct {
	engine *cec.MockEngine
	ctx    *cec.Context
	server *Server
}

func newAPIFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()

	engine := cec.NewMockEngine(testAdapters...)
	ctx, err := cec.Bootstrap(engine, cec.DefaultEngineConfig(), cec.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	return &apiFixture{
		engine: engine,
		ctx:    ctx,
		server: NewServer(ctx, zap.NewNop(), 8080, opts...),
	}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleAdapters(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/adapters", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var adapters []cec.AdapterDescriptor
	require.NoError(t, json.NewDecoder(w.Body).Decode(&adapters))
	assert.Equal(t, testAdapters, adapters)

	w = f.do(http.MethodPost, "/api/adapters", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleAdapters_EngineFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.SetDetectError(errors.New("usb enumeration failed"))

	w := f.do(http.MethodGet, "/api/adapters", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleSession_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Open)

	w = f.do(http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Open)
	require.NotNil(t, resp.Session)
	assert.Equal(t, testAdapters[0], resp.Session.Adapter)

	w = f.do(http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodDelete, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.ctx.Sessions().IsOpen())

	w = f.do(http.MethodPut, "/api/session", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleSession_OpenByPath(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/session", `{"com_port":"/dev/ttyACM1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	sess, ok := f.ctx.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, testAdapters[1], sess.Adapter)
}

func TestHandleSession_OpenErrors(t *testing.T) {
	t.Run("unknown adapter", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/api/session", `{"path":"/sys/usb/9"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/api/session", `{"path":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no adapters", func(t *testing.T) {
		f := newAPIFixture(t)
		f.engine.SetAdapters()
		w := f.do(http.MethodPost, "/api/session", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleTransmit(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/transmit", `{"destination":0}`)
	assert.Equal(t, http.StatusConflict, w.Code, "no session open")

	w = f.do(http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/transmit", `{"initiator":4,"destination":0,"opcode":54,"timeout_ms":1000}`)
	require.Equal(t, http.StatusOK, w.Code)

	transmitted := f.engine.Transmitted()
	require.Len(t, transmitted, 1)
	require.NotNil(t, transmitted[0].Opcode)
	assert.Equal(t, cec.Opcode(54), *transmitted[0].Opcode)
	assert.Equal(t, time.Second, transmitted[0].TransmitTimeout)
}

func TestHandleTransmit_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		engineErr error
		status    int
		reason    string
	}{
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "invalid frame", body: `{"parameters":[1]}`, status: http.StatusBadRequest, reason: "invalid_frame"},
		{name: "timeout", body: `{}`, engineErr: cec.ErrTransmitTimeout, status: http.StatusGatewayTimeout, reason: "timeout"},
		{name: "nack", body: `{}`, engineErr: cec.ErrTransmitNack, status: http.StatusBadGateway, reason: "nack"},
		{name: "bus busy", body: `{}`, engineErr: cec.ErrBusBusy, status: http.StatusServiceUnavailable, reason: "bus_busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/session", "").Code)
			f.engine.SetTransmitError(tt.engineErr)

			w := f.do(http.MethodPost, "/api/transmit", tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, false, response["session_open"])
}

func TestHandleSitemap(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/transmit")

	w = f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	collector := metrics.NewCollector()
	f := newAPIFixture(t, WithMetrics(collector.Handler(), collector.Middleware))

	f.do(http.MethodGet, "/health", "")
	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{endpoint="/health",method="GET",status="200"} 1`)
}

func TestHandleEvents(t *testing.T) {
	f := newAPIFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?kind=key_press"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.ctx.Registry().Count(cec.KindKeyPress) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.ctx.Registry().Count(cec.KindCommand))

	_, err = f.engine.FireKeyPress(&cec.NativeKeyPress{Keycode: 0x01, Duration: 40})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Kind  string       `json:"kind"`
		Event cec.KeyPress `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "key_press", msg.Kind)
	assert.Equal(t, uint8(0x01), msg.Event.Keycode)

	conn.Close()
	require.Eventually(t, func() bool {
		return f.ctx.Registry().Count(cec.KindKeyPress) == 0
	}, time.Second, 10*time.Millisecond, "registrations are removed when the client leaves")
}

func TestHandleEvents_UnknownKind(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/events?kind=volume", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
