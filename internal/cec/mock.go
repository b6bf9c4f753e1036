package cec

import (
	"context"
	"fmt"
	"sync"
)

// MockEngine implements Engine for testing. Events fired through it run on
// a dedicated worker goroutine, one at a time, the way a real engine
// delivers callbacks.
type MockEngine struct {
	mu sync.Mutex

	adapters      []AdapterDescriptor
	detectReports []int
	detectErr     error
	initErr       error
	openErr       error
	transmitErr   error
	closeErr      error

	config         EngineConfig
	callbacks      *Callbacks
	initCalls      int
	videoInitCalls int
	detectCalls    []int
	opened         []AdapterDescriptor
	transmitted    []Frame
	closed         []Handle
	nextHandle     Handle
	destroyed      bool
	openCalls      int
	openGate       <-chan struct{}

	jobs chan func()
	done chan struct{}
}

// NewMockEngine creates a mock engine that will report adapters.
func NewMockEngine(adapters ...AdapterDescriptor) *MockEngine {
	return &MockEngine{
		adapters: adapters,
	}
}

// Initialise records the configuration and starts the worker goroutine.
func (m *MockEngine) Initialise(cfg EngineConfig, callbacks *Callbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initCalls++
	if m.initErr != nil {
		return m.initErr
	}
	if m.jobs != nil {
		return fmt.Errorf("already initialised")
	}

	m.config = cfg
	m.callbacks = callbacks
	m.jobs = make(chan func())
	m.done = make(chan struct{})
	go m.worker(m.jobs, m.done)
	return nil
}

func (m *MockEngine) worker(jobs <-chan func(), done chan<- struct{}) {
	defer close(done)
	for job := range jobs {
		job()
	}
}

// InitVideoStandalone counts the call.
func (m *MockEngine) InitVideoStandalone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoInitCalls++
}

// DetectAdapters copies the configured adapters into buf. The returned
// count can be overridden per call with SetDetectReports.
func (m *MockEngine) DetectAdapters(buf []AdapterDescriptor) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.detectCalls = append(m.detectCalls, len(buf))
	if m.detectErr != nil {
		return 0, m.detectErr
	}

	copy(buf, m.adapters)

	count := len(m.adapters)
	if len(m.detectReports) > 0 {
		count = m.detectReports[0]
		m.detectReports = m.detectReports[1:]
	}
	return count, nil
}

// Open hands out increasing handles. With a gate set it first blocks until
// the gate is closed or ctx ends.
func (m *MockEngine) Open(ctx context.Context, adapter AdapterDescriptor) (Handle, error) {
	m.mu.Lock()
	m.openCalls++
	gate := m.openGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.openErr != nil {
		return 0, m.openErr
	}
	m.opened = append(m.opened, adapter)
	m.nextHandle++
	return m.nextHandle, nil
}

// Transmit records frame unless a transmit error is set.
func (m *MockEngine) Transmit(ctx context.Context, h Handle, frame Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transmitErr != nil {
		return m.transmitErr
	}
	m.transmitted = append(m.transmitted, frame)
	return nil
}

// Close records h. A destroyed engine refuses with ErrNotInitialised.
func (m *MockEngine) Close(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrNotInitialised
	}
	m.closed = append(m.closed, h)
	return m.closeErr
}

// Destroy stops the worker goroutine.
func (m *MockEngine) Destroy() {
	m.mu.Lock()
	jobs, done := m.jobs, m.done
	m.jobs = nil
	m.destroyed = true
	m.mu.Unlock()

	if jobs != nil {
		close(jobs)
		<-done
	}
}

// Run executes fn against the callback table on the worker goroutine and
// waits for it to return.
func (m *MockEngine) Run(fn func(cb *Callbacks) int) (int, error) {
	m.mu.Lock()
	jobs, callbacks := m.jobs, m.callbacks
	m.mu.Unlock()

	if jobs == nil || callbacks == nil {
		return 0, ErrNotInitialised
	}

	result := make(chan int, 1)
	jobs <- func() { result <- fn(callbacks) }
	return <-result, nil
}

// FireLogMessage runs the log message callback on the worker goroutine.
func (m *MockEngine) FireLogMessage(msg *NativeLogMessage) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.LogMessage(msg) })
}

// FireKeyPress runs the key press callback on the worker goroutine.
func (m *MockEngine) FireKeyPress(key *NativeKeyPress) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.KeyPress(key) })
}

// FireCommand runs the command callback on the worker goroutine.
func (m *MockEngine) FireCommand(cmd *NativeCommand) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.Command(cmd) })
}

// FireConfigChanged runs the configuration callback on the worker goroutine.
func (m *MockEngine) FireConfigChanged(cfg *NativeConfiguration) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.ConfigChanged(cfg) })
}

// FireAlert runs the alert callback on the worker goroutine.
func (m *MockEngine) FireAlert(alert *NativeAlert) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.Alert(alert) })
}

// FireMenuStateChanged runs the menu state callback on the worker goroutine.
func (m *MockEngine) FireMenuStateChanged(state int32) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.MenuStateChanged(state) })
}

// FireSourceActivated runs the source activated callback on the worker goroutine.
func (m *MockEngine) FireSourceActivated(address int32, activated uint8) (int, error) {
	return m.Run(func(cb *Callbacks) int { return cb.SourceActivated(address, activated) })
}

// SetAdapters replaces the adapters reported by discovery.
func (m *MockEngine) SetAdapters(adapters ...AdapterDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = adapters
}

// SetDetectReports overrides the count returned by the next detections.
func (m *MockEngine) SetDetectReports(counts ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectReports = counts
}

// SetDetectError makes detection fail.
func (m *MockEngine) SetDetectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectErr = err
}

// SetInitError makes Initialise fail.
func (m *MockEngine) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// SetOpenError makes Open fail.
func (m *MockEngine) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetTransmitError makes Transmit fail. nil clears it.
func (m *MockEngine) SetTransmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitErr = err
}

// SetCloseError makes Close fail after recording the handle.
func (m *MockEngine) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// SetOpenGate makes Open block until gate is closed.
func (m *MockEngine) SetOpenGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openGate = gate
}

// DetectCalls returns the buffer capacity passed to each detection.
func (m *MockEngine) DetectCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.detectCalls...)
}

// OpenCalls returns how many times Open was entered, blocked or not.
func (m *MockEngine) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// Opened returns the adapters successfully opened.
func (m *MockEngine) Opened() []AdapterDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AdapterDescriptor(nil), m.opened...)
}

// Transmitted returns the frames accepted so far.
func (m *MockEngine) Transmitted() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.transmitted...)
}

// Closed returns the handles passed to Close.
func (m *MockEngine) Closed() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.closed...)
}

// Config returns the configuration passed to Initialise.
func (m *MockEngine) Config() EngineConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// InitCalls returns how many times Initialise ran.
func (m *MockEngine) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// VideoInitCalls returns how many times InitVideoStandalone ran.
func (m *MockEngine) VideoInitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoInitCalls
}

// Destroyed reports whether Destroy was called.
func (m *MockEngine) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
