package testutil

import (
	"fmt"

	"cecbridge/internal/cec"
	"cecbridge/internal/clock"
	"cecbridge/internal/daemon"

	"go.uber.org/zap"
)

// TestEnv wires a MockDaemon, a daemon client and a bootstrapped engine
// context together for integration tests.
type TestEnv struct {
	Daemon  *MockDaemon
	Client  *daemon.Client
	Context *cec.Context
	Logger  *zap.Logger
}

// NewTestEnv starts a mock daemon serving adapters and bootstraps an engine
// context against it.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(cec.Options{}, adapters...)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(opts cec.Options, adapters ...cec.AdapterDescriptor) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	const token = "test_token"
	d := NewMockDaemon(token, adapters...)

	client := daemon.NewClient(d.URL(), token, clock.NewRealClock(), logger)
	ctx, err := cec.Bootstrap(client, cec.DefaultEngineConfig(), opts, logger)
	if err != nil {
		d.Stop()
		return nil, fmt.Errorf("failed to bootstrap engine: %w", err)
	}

	return &TestEnv{
		Daemon:  d,
		Client:  client,
		Context: ctx,
		Logger:  logger,
	}, nil
}

// Cleanup tears the context down and stops the daemon.
func (e *TestEnv) Cleanup() {
	if e.Context != nil {
		e.Context.Close()
	}
	if e.Daemon != nil {
		e.Daemon.Stop()
	}
}
