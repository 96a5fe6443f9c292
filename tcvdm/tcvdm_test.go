package tcvdm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec/pdmsg"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	sent [][]uint32
	err  error
}

func (r *recorder) send(objs []uint32) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, append([]uint32(nil), objs...))
	return nil
}

func TestDiscoverIdentityExchange(t *testing.T) {
	e := New(Identity{VID: 0x1209})
	var r recorder

	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	assert.Equal(t, Ready, e.State())
	assert.True(t, e.InProgress())

	// Nothing goes out until the port is ready.
	require.NoError(t, e.Tick(t0, true, false, r.send))
	assert.Empty(t, r.sent)

	require.NoError(t, e.Tick(t0, true, true, r.send))
	require.Len(t, r.sent, 1)
	h := pdmsg.VDMHeader(r.sent[0][0])
	assert.Equal(t, pdmsg.VDMDiscoverIdentity, h.Command())
	assert.Equal(t, pdmsg.VDMTypeInitiator, h.CommandType())
	assert.Equal(t, Busy, e.State())

	h.SetCommandType(pdmsg.VDMTypeACK)
	e.Handle(t0.Add(5*time.Millisecond), []uint32{uint32(h), uint32(pdmsg.NewIDHeaderVDO(0x1209, true)), 0, 0x12340100})
	assert.Equal(t, Done, e.State())
	assert.False(t, e.InProgress())
	assert.Equal(t, []uint32{0x50001209, 0, 0x12340100}, e.PartnerIdentity())
	assert.Empty(t, e.PartnerSVIDs())
}

// ack answers the last request in r with vdos.
func ack(e *Engine, r *recorder, now time.Time, vdos ...uint32) {
	h := pdmsg.VDMHeader(r.sent[len(r.sent)-1][0])
	h.SetCommandType(pdmsg.VDMTypeACK)
	e.Handle(now, append([]uint32{uint32(h)}, vdos...))
}

func TestDiscoverSVIDsAndModes(t *testing.T) {
	e := New(Identity{})
	var r recorder
	now := t0
	step := func() pdmsg.VDMHeader {
		t.Helper()
		now = now.Add(time.Millisecond)
		require.NoError(t, e.Tick(now, true, true, r.send))
		require.Equal(t, Busy, e.State())
		return pdmsg.VDMHeader(r.sent[len(r.sent)-1][0])
	}

	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	step()
	ack(e, &r, now, 0x6C001209, 0, 0x12340100)
	assert.Equal(t, Ready, e.State(), "modal partner is asked for its SVIDs")

	h := step()
	assert.Equal(t, pdmsg.VDMDiscoverSVIDs, h.Command())
	assert.Equal(t, pdmsg.SIDPowerDelivery, h.SVID())
	ack(e, &r, now, 0xFF018087, 0x00000000)
	assert.Equal(t, []uint16{0xFF01, 0x8087}, e.PartnerSVIDs())

	h = step()
	assert.Equal(t, pdmsg.VDMDiscoverModes, h.Command())
	assert.Equal(t, uint16(0xFF01), h.SVID())
	ack(e, &r, now, 0x00000405, 0x00000C05)

	h = step()
	assert.Equal(t, pdmsg.VDMDiscoverModes, h.Command())
	assert.Equal(t, uint16(0x8087), h.SVID())
	ack(e, &r, now, 0x00000001)

	assert.Equal(t, Done, e.State())
	assert.Equal(t, []Modes{
		{SVID: 0xFF01, Modes: []uint32{0x405, 0xC05}},
		{SVID: 0x8087, Modes: []uint32{1}},
	}, e.PartnerModes())
	assert.Len(t, r.sent, 4)

	e.Reset()
	assert.Nil(t, e.PartnerSVIDs())
	assert.Nil(t, e.PartnerModes())
}

func TestDiscoverSVIDsContinues(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs))
	require.NoError(t, e.Tick(t0, true, true, r.send))

	// A full response without a zero SVID is followed by another request.
	ack(e, &r, t0, 0x00010002, 0x00030004, 0x00050006, 0x00070008, 0x0009000A, 0x000B000C)
	assert.Len(t, e.PartnerSVIDs(), 12)
	require.NoError(t, e.Tick(t0.Add(time.Millisecond), true, true, r.send))
	require.Len(t, r.sent, 2)
	assert.Equal(t, pdmsg.VDMDiscoverSVIDs, pdmsg.VDMHeader(r.sent[1][0]).Command())

	// Collection stops at maxSVIDs.
	ack(e, &r, t0, 0x000D000E, 0x000F0010, 0x00110012, 0x00130014, 0x00150016, 0x00170018)
	assert.Len(t, e.PartnerSVIDs(), maxSVIDs)
	require.NoError(t, e.Tick(t0.Add(2*time.Millisecond), true, true, r.send))
	h := pdmsg.VDMHeader(r.sent[2][0])
	assert.Equal(t, pdmsg.VDMDiscoverModes, h.Command())
	assert.Equal(t, uint16(1), h.SVID())
}

func TestDiscoveryStopsOnNAK(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs))
	require.NoError(t, e.Tick(t0, true, true, r.send))

	nak := pdmsg.VDMHeader(r.sent[0][0])
	nak.SetCommandType(pdmsg.VDMTypeNAK)
	e.Handle(t0, []uint32{uint32(nak)})
	assert.Equal(t, Done, e.State())
	assert.Empty(t, e.PartnerSVIDs())

	// Modes for an SVID that was never reported are ignored.
	modes := pdmsg.NewStructuredVDM(0xFF01, pdmsg.VDMDiscoverModes, pdmsg.VDMVersion20)
	modes.SetCommandType(pdmsg.VDMTypeACK)
	e.Handle(t0, []uint32{uint32(modes), 0x405})
	assert.Empty(t, e.PartnerModes())
	assert.Equal(t, Done, e.State())
}

func TestInitiatorTimeout(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	require.NoError(t, e.Tick(t0, true, true, r.send))

	require.NoError(t, e.Tick(t0.Add(TimeoutInitiator), true, true, r.send))
	assert.Equal(t, Busy, e.State(), "deadline is exclusive")
	require.NoError(t, e.Tick(t0.Add(TimeoutInitiator+time.Millisecond), true, true, r.send))
	assert.Equal(t, ErrTimeout, e.State())
	assert.False(t, e.InProgress())
}

func TestBusyResponseRetries(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs))
	require.NoError(t, e.Tick(t0, true, true, r.send))

	busy := pdmsg.VDMHeader(r.sent[0][0])
	busy.SetCommandType(pdmsg.VDMTypeBusy)
	now := t0.Add(2 * time.Millisecond)
	e.Handle(now, []uint32{uint32(busy)})
	assert.Equal(t, WaitRspBusy, e.State())

	require.NoError(t, e.Tick(now.Add(TimeoutBusy), true, true, r.send))
	assert.Equal(t, WaitRspBusy, e.State())
	require.NoError(t, e.Tick(now.Add(TimeoutBusy+time.Millisecond), true, true, r.send))
	assert.Equal(t, Ready, e.State())
	require.NoError(t, e.Tick(now.Add(TimeoutBusy+2*time.Millisecond), true, true, r.send))
	require.Len(t, r.sent, 2)
	assert.Equal(t, r.sent[0][0], r.sent[1][0], "retry repeats the request header")
}

func TestSendFailure(t *testing.T) {
	e := New(Identity{})
	r := recorder{err: errors.New("nope")}
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	assert.Error(t, e.Tick(t0, true, true, r.send))
	assert.Equal(t, ErrSend, e.State())
}

func TestNotConnected(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	require.NoError(t, e.Tick(t0, false, true, r.send))
	assert.Equal(t, ErrBusy, e.State())
	assert.Empty(t, r.sent)
}

func TestQueueTooLong(t *testing.T) {
	e := New(Identity{})
	assert.ErrorIs(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMEnterMode, 1, 2, 3, 4, 5, 6, 7), ErrTooLong)
	assert.Equal(t, Done, e.State())
}

func TestUnstructuredQueue(t *testing.T) {
	e := New(Identity{})
	var r recorder
	require.NoError(t, e.Queue(0x18D1, 0x10, 0xAA))
	require.NoError(t, e.Tick(t0, true, true, r.send))
	h := pdmsg.VDMHeader(r.sent[0][0])
	assert.False(t, h.Structured())
	assert.Equal(t, uint16(0x18D1), h.SVID())
	assert.Equal(t, uint32(0xAA), r.sent[0][1])

	require.NoError(t, e.Tick(t0.Add(TimeoutUnstructured), true, true, r.send))
	assert.Equal(t, Busy, e.State())
}

func TestRespond(t *testing.T) {
	e := New(Identity{VID: 0x1209, PID: 0x0001, XID: 7, BCDDevice: 0x0100})

	req := pdmsg.NewStructuredVDM(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity, pdmsg.VDMVersion20)
	resp, ok := e.Respond([]uint32{uint32(req)})
	require.True(t, ok)
	require.Len(t, resp, 4)
	h := pdmsg.VDMHeader(resp[0])
	assert.Equal(t, pdmsg.VDMTypeACK, h.CommandType())
	assert.Equal(t, pdmsg.VDMDiscoverIdentity, h.Command())
	assert.Equal(t, uint16(0x1209), pdmsg.IDHeaderVDO(resp[1]).VendorID())
	assert.Equal(t, uint32(7), resp[2])
	assert.Equal(t, pdmsg.ProductVDO(0x0001, 0x0100), resp[3])

	req = pdmsg.NewStructuredVDM(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs, pdmsg.VDMVersion20)
	resp, ok = e.Respond([]uint32{uint32(req)})
	require.True(t, ok)
	assert.Equal(t, pdmsg.VDMTypeNAK, pdmsg.VDMHeader(resp[0]).CommandType())
	assert.Len(t, resp, 1)

	_, ok = e.Respond([]uint32{0x18D10010})
	assert.False(t, ok, "unstructured")

	att := pdmsg.NewStructuredVDM(0xFF01, pdmsg.VDMAttention, pdmsg.VDMVersion20)
	_, ok = e.Respond([]uint32{uint32(att)})
	assert.False(t, ok, "attention")

	ack := req
	ack.SetCommandType(pdmsg.VDMTypeACK)
	_, ok = e.Respond([]uint32{uint32(ack)})
	assert.False(t, ok, "responses are not answered")
}

func TestHandleQueuesResponse(t *testing.T) {
	e := New(Identity{VID: 0x1209})
	var r recorder
	req := pdmsg.NewStructuredVDM(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity, pdmsg.VDMVersion20)
	e.Handle(t0, []uint32{uint32(req)})
	assert.Equal(t, Ready, e.State())

	require.NoError(t, e.Tick(t0, true, true, r.send))
	require.Len(t, r.sent, 1)
	assert.Len(t, r.sent[0], 4)

	// Responses wait for the responder timeout, then give up quietly.
	require.NoError(t, e.Tick(t0.Add(TimeoutResponder+time.Millisecond), true, true, r.send))
	assert.Equal(t, ErrTimeout, e.State())
}

func TestReset(t *testing.T) {
	e := New(Identity{})
	require.NoError(t, e.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity))
	e.Reset()
	assert.Equal(t, Done, e.State())
	assert.Nil(t, e.PartnerIdentity())
}
