package tclog

import (
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Reader reads events from a CBOR stream written by StreamLogger.
type Reader struct {
	r   io.Reader
	dec *cbor.Decoder
}

// NewReader returns a reader decoding events from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, dec: NewDecoder(r)}
}

// OpenFile opens a trace file for reading.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f), nil
}

// Next returns the next event. It returns io.EOF at the end of the stream
// and io.ErrUnexpectedEOF if the stream ends within an event.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadAll returns all remaining events.
func (r *Reader) ReadAll() ([]Event, error) {
	var evs []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return evs, nil
		}
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}

// Close closes the underlying reader if it can be closed.
func (r *Reader) Close() error {
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
