package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cecbridge/internal/cec"
	"cecbridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAdapters = []cec.AdapterDescriptor{
	{Path: "/sys/usb/1", ComPort: "/dev/ttyACM0", VendorID: 0x2548, ProductID: 0x1002, FirmwareVersion: 12},
	{Path: "/sys/usb/2", ComPort: "/dev/ttyACM1", VendorID: 0x2548, ProductID: 0x1002, FirmwareVersion: 12},
}

func startDaemon(t *testing.T, adapters ...cec.AdapterDescriptor) *testutil.MockDaemon {
	t.Helper()
	d := testutil.NewMockDaemon("secret", adapters...)
	t.Cleanup(d.Stop)
	t.Setenv("CEC_DAEMON_URL", d.URL())
	t.Setenv("CEC_DAEMON_TOKEN", "secret")
	t.Setenv("CEC_CONFIG_FILE", "")
	t.Setenv("MQTT_BROKER_URL", "")
	return d
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "cec-bridge", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "adapters"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "Command %s should exist", name)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	openFlag := serveCmd.Flags().Lookup("open")
	require.NotNil(t, openFlag)
	assert.Equal(t, "false", openFlag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("com-port"))
}

func TestInvalidFormat(t *testing.T) {
	startDaemon(t, testAdapters...)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters", "--format", "yaml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestAdaptersCommand_Text(t *testing.T) {
	startDaemon(t, testAdapters...)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters"})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "0: /sys/usb/1 (/dev/ttyACM0)")
	assert.Contains(t, out.String(), "1: /sys/usb/2 (/dev/ttyACM1)")
}

func TestAdaptersCommand_JSON(t *testing.T) {
	startDaemon(t, testAdapters...)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters", "--format", "json"})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())

	var adapters []cec.AdapterDescriptor
	require.NoError(t, json.Unmarshal(out.Bytes(), &adapters))
	assert.Equal(t, testAdapters, adapters)
}

func TestAdaptersCommand_None(t *testing.T) {
	startDaemon(t)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters"})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No adapters found")
}

func TestAdaptersCommand_ConfigFile(t *testing.T) {
	d := startDaemon(t, testAdapters...)
	t.Setenv("CEC_DAEMON_TOKEN", "wrong")

	path := filepath.Join(t.TempDir(), "cec_bridge.yaml")
	body := fmt.Sprintf("daemon:\n  url: %s\n  token: secret\n", d.URL())
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters", "--config", path})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute(), "the file's token wins over the environment")
	assert.Contains(t, out.String(), "/dev/ttyACM0")
}

func TestAdaptersCommand_Unauthorized(t *testing.T) {
	startDaemon(t, testAdapters...)
	t.Setenv("CEC_DAEMON_TOKEN", "wrong")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"adapters"})
	cmd.SetOut(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}

func TestServeCommand(t *testing.T) {
	d := startDaemon(t, testAdapters...)
	port := freePort(t)
	t.Setenv("API_PORT", fmt.Sprint(port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"serve", "--com-port", "/dev/ttyACM1"})
	cmd.SetOut(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return d.CountRequests("open") == 1
	}, 5*time.Second, 20*time.Millisecond, "session opened at startup")

	records := testutil.FilterRequests(d.Requests(), "open")
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Request.Adapter)
	assert.Equal(t, "/dev/ttyACM1", records[0].Request.Adapter.ComPort)

	var health map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, true, health["session_open"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Equal(t, 1, d.CountRequests("close"), "session closed on shutdown")
}
