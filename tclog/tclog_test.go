package tclog

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []Event {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	caps := pdmsg.NewData(pdmsg.TypeSourceCap, uint32(pdmsg.Fixed(5000, 3000)), uint32(pdmsg.Fixed(9000, 3000)))
	return []Event{
		{
			Timestamp: ts,
			SessionID: "s1",
			Direction: DirectionIn,
			Category:  CategoryMessage,
			Message:   &MessageEvent{SOP: pdmsg.SOPDefault, Header: caps.Header, Objects: caps.Objects()},
		},
		{
			Timestamp: ts.Add(time.Millisecond),
			SessionID: "s1",
			Category:  CategoryState,
			PowerRole: pdmsg.PowerRoleSink,
			StateChange: &StateChangeEvent{
				OldState: "SnkDiscovery",
				NewState: "SnkRequested",
			},
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	ev := sampleEvents()[0]
	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.Message)
	assert.Equal(t, ev.Message.Objects, got.Message.Objects)
	assert.True(t, got.Message.Message().IsDataType(pdmsg.TypeSourceCap))
}

func TestStreamLoggerAndReader(t *testing.T) {
	var buf bytes.Buffer
	l := NewStreamLogger(&buf)
	for _, ev := range sampleEvents() {
		l.Log(ev)
	}
	require.NoError(t, l.Close())
	l.Log(sampleEvents()[0]) // ignored after close

	evs, err := NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "SnkRequested", evs[1].StateChange.NewState)
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cbor")
	l, err := NewFileLogger(path)
	require.NoError(t, err)
	l.Log(sampleEvents()[1])
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, CategoryState, ev.Category)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewSlogAdapter(logger).Log(sampleEvents()[0])

	out := buf.String()
	assert.True(t, strings.Contains(out, "type=Source_Capabilities"), out)
	assert.True(t, strings.Contains(out, "direction=IN"), out)
}

type countingLogger struct{ n int }

func (c *countingLogger) Log(Event) { c.n++ }

func TestMultiLogger(t *testing.T) {
	a, b := &countingLogger{}, &countingLogger{}
	m := MultiLogger{a, nil, b, NoopLogger{}}
	m.Log(Event{})
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewSessionID())
}
