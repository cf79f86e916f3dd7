package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestablePort is an in-memory SerialPorter. Lines fed with Feed are read
// back by Monitor; writes are captured for inspection.
type TestablePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu         sync.Mutex
	written    bytes.Buffer
	closed     bool
	WriteError error
}

// NewTestablePort returns an open TestablePort.
func NewTestablePort() *TestablePort {
	r, w := io.Pipe()
	return &TestablePort{r: r, w: w}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	return t.r.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	return t.written.Write(p)
}

// Feed makes data available to readers. It blocks until read.
func (t *TestablePort) Feed(data string) error {
	_, err := t.w.Write([]byte(data))
	return err
}

// EndInput makes readers see io.EOF once fed data is consumed.
func (t *TestablePort) EndInput() { t.w.Close() }

// Written returns everything written to the port so far.
func (t *TestablePort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.w.CloseWithError(errPortClosed)
	return t.r.Close()
}

// NewTestSerialMux returns a mux over a fresh TestablePort.
func NewTestSerialMux(name string) (*SerialMux[*TestablePort], *TestablePort) {
	port := NewTestablePort()
	return NewSerialMux(port, name), port
}
