package tclog

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// StreamLogger writes events as a sequence of CBOR items to a writer, such
// as a file or a serial port. It is safe for concurrent use.
type StreamLogger struct {
	mu      sync.Mutex
	w       io.Writer
	encoder *cbor.Encoder
	closed  bool
}

// NewStreamLogger returns a logger writing to w. If w is an io.Closer, Close
// closes it.
func NewStreamLogger(w io.Writer) *StreamLogger {
	return &StreamLogger{w: w, encoder: NewEncoder(w)}
}

// NewFileLogger opens path for appending and returns a logger writing to it.
func NewFileLogger(path string) (*StreamLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewStreamLogger(f), nil
}

// Log encodes the event. Encoding errors are dropped so that tracing never
// disturbs the engine.
func (l *StreamLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.encoder.Encode(event)
}

// Close stops logging and closes the underlying writer if it can be closed.
// Close may be called multiple times.
func (l *StreamLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ Logger = (*StreamLogger)(nil)
