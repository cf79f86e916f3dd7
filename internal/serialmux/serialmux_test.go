package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line := <-ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestSerialMux_FanOut(t *testing.T) {
	mux, port := NewTestSerialMux("bridge")
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	require.NoError(t, port.Feed("RX 02:00:00:00:00:01 00000000\r\n"))
	assert.Equal(t, "RX 02:00:00:00:00:01 00000000", recv(t, a))
	assert.Equal(t, "RX 02:00:00:00:00:01 00000000", recv(t, b))

	port.EndInput()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return at end of input")
	}
}

func TestSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	mux, _ := NewTestSerialMux("bridge")
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	mux.Unsubscribe(id)
}

func TestSerialMux_MonitorCancel(t *testing.T) {
	mux, _ := NewTestSerialMux("gps")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor ignored cancellation")
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	mux, port := NewTestSerialMux("bridge")
	require.NoError(t, mux.SendCommand("PEER 02:00:00:00:00:01"))
	require.NoError(t, mux.SendCommand("BC 00000000\n"))
	assert.Equal(t, "PEER 02:00:00:00:00:01\nBC 00000000\n", port.Written())

	port.WriteError = errors.New("unplugged")
	assert.Error(t, mux.SendCommand("BC 00"))
}

func TestSerialMux_CloseEndsSubscribers(t *testing.T) {
	mux, _ := NewTestSerialMux("bridge")
	_, ch := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)

	// subscribing after close yields a closed channel
	_, late := mux.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestSerialMux_SlowSubscriberDrops(t *testing.T) {
	mux, _ := NewTestSerialMux("bridge")
	_, _ = mux.Subscribe()
	for i := 0; i < subscriberBuffer+3; i++ {
		mux.publish("line")
	}
	assert.Equal(t, uint64(3), mux.Dropped())
}

func TestSerialMux_AdminSendCommand(t *testing.T) {
	mux, port := NewTestSerialMux("bridge")
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"PEER 02:00:00:00:00:09"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/bridge-send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PEER 02:00:00:00:00:09\n", port.Written())

	req = httptest.NewRequest(http.MethodGet, "/debug/bridge-send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPortOptions_Normalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 9600, Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)

	mode, err := PortOptions{BaudRate: 9600}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
}
