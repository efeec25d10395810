package sip

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

type listenerLog struct {
	mu      sync.Mutex
	added   []call.Handle
	removed []call.Handle
}

func (l *listenerLog) OnCallAdded(_ context.Context, h call.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, h)
}

func (l *listenerLog) OnCallRemoved(h call.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, h)
}

func testConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:5090",
		Registrar:   "pbx.example.com:5060",
		Username:    "1001",
		Password:    "secret",
		DisplayName: "Front Desk",
		MediaIP:     "192.0.2.1",
		RTPPort:     4000,
	}
}

func newTestLine(t *testing.T) (*Line, *listenerLog) {
	t.Helper()
	ll := &listenerLog{}
	l, err := New(testConfig(), ll, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		l.stop()
		l.ua.Close()
	})
	return l, ll
}

// okResponse builds a 2xx to invite as the called party would.
func okResponse(invite *sip.Request, tag string, contact sip.Uri) *sip.Response {
	res := sip.NewResponse(200, "OK")
	to := &sip.ToHeader{Address: invite.Recipient, Params: sip.NewParams()}
	to.Params.Add("tag", tag)
	res.AppendHeader(to)
	res.AppendHeader(&sip.ContactHeader{Address: contact})
	return res
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{Registrar: "pbx", Username: "1001", MediaIP: "192.0.2.1"}.withDefaults()
	assert.Equal(t, "0.0.0.0:5060", cfg.ListenAddr)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, 300, cfg.Expiry)
	assert.Equal(t, "192.0.2.1", cfg.ContactHost)
	assert.Equal(t, "1001", cfg.authUser())
	assert.NoError(t, cfg.validate())

	cfg.AuthUsername = "auth1001"
	assert.Equal(t, "auth1001", cfg.authUser())

	for _, bad := range []Config{
		{Username: "1001", MediaIP: "192.0.2.1"},
		{Registrar: "pbx", MediaIP: "192.0.2.1"},
		{Registrar: "pbx", Username: "1001"},
		{Registrar: "pbx", Username: "1001", MediaIP: "192.0.2.1", Transport: "sctp"},
	} {
		assert.Error(t, bad.withDefaults().validate())
	}
}

func TestLineStatusFollowsRegistration(t *testing.T) {
	l, _ := newTestLine(t)

	st := l.Status()
	assert.Equal(t, "sip", st.Backend)
	assert.False(t, st.Ready)
	assert.Equal(t, string(RegRegistering), st.State)
	sim, err := l.SIMState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, call.SIMNotReady, sim)

	l.setRegistration(RegFailed, "register failed with status 403 Forbidden", 1, time.Time{})
	st = l.Status()
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Detail, "403")

	l.setRegistration(RegRegistered, "", 0, time.Now().Add(time.Minute))
	assert.True(t, l.Status().Ready)
	sim, _ = l.SIMState(context.Background())
	assert.Equal(t, call.SIMReady, sim)
}

func TestDialRefusals(t *testing.T) {
	l, ll := newTestLine(t)
	ctx := context.Background()

	assert.ErrorIs(t, l.Dial(ctx, "call me"), line.ErrInvalidNumber)
	assert.ErrorIs(t, l.Dial(ctx, "+15550001"), line.ErrNotReady)

	l.setRegistration(RegRegistered, "", 0, time.Now().Add(time.Minute))
	l.mu.Lock()
	l.calls["existing"] = newOutboundCall(l, "+15550002")
	l.mu.Unlock()
	assert.ErrorIs(t, l.Dial(ctx, "+15550001"), line.ErrBusy)
	assert.Empty(t, ll.added)
}

func TestNewRegister(t *testing.T) {
	l, _ := newTestLine(t)
	req := l.newRegister(300)

	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "pbx.example.com", req.Recipient.Host)
	assert.Equal(t, "300", req.GetHeader("Expires").Value())
	assert.Contains(t, req.GetHeader("From").Value(), "sip:1001@pbx.example.com")
	assert.Contains(t, req.GetHeader("Contact").Value(), "1001@192.0.2.1:5090")
}

func TestNewInvite(t *testing.T) {
	l, _ := newTestLine(t)
	c := newOutboundCall(l, "+15550001")
	req, err := c.newInvite()
	require.NoError(t, err)

	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "+15550001", req.Recipient.User)
	assert.Equal(t, "pbx.example.com", req.Recipient.Host)
	assert.Equal(t, c.callID, req.CallID().Value())
	tag, ok := req.From().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, c.localTag, tag)
	assert.Equal(t, "Front Desk", req.From().DisplayName)
	assert.Equal(t, "application/sdp", req.GetHeader("Content-Type").Value())
	assert.Contains(t, string(req.Body()), "m=audio 4000 RTP/AVP")
}

func TestInDialogRequests(t *testing.T) {
	l, _ := newTestLine(t)
	c := newOutboundCall(l, "+15550001")

	_, err := c.newRequest(sip.BYE, "", nil)
	assert.ErrorIs(t, err, ErrNoDialog)

	invite, err := c.newInvite()
	require.NoError(t, err)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})

	res := okResponse(invite, "remote-tag", sip.Uri{Scheme: "sip", User: "gw", Host: "198.51.100.7", Port: 5080})
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:edge2.example.com;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:edge1.example.com;lr>"))
	c.acceptOutbound(invite, res)

	bye, err := c.newRequest(sip.BYE, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", bye.Recipient.Host)
	assert.Equal(t, uint32(8), bye.CSeq().SeqNo)
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "remote-tag", toTag)
	fromTag, _ := bye.From().Params.Get("tag")
	assert.Equal(t, c.localTag, fromTag)

	routes := bye.GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.True(t, strings.Contains(routes[0].Value(), "edge1"), "route set is reversed for the caller")

	info, err := c.newRequest(sip.INFO, contentTypeDTMFRelay, []byte("Signal=1\r\nDuration=160\r\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), info.CSeq().SeqNo)
	assert.Equal(t, contentTypeDTMFRelay, info.GetHeader("Content-Type").Value())
}

func TestBuildCancelAndACK(t *testing.T) {
	l, _ := newTestLine(t)
	c := newOutboundCall(l, "+15550001")
	invite, err := c.newInvite()
	require.NoError(t, err)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 3, MethodName: sip.INVITE})

	cancel := buildCancel(invite)
	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, uint32(3), cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, invite.CallID().Value(), cancel.CallID().Value())
	assert.Equal(t, invite.Recipient.Host, cancel.Recipient.Host)

	res := okResponse(invite, "callee", sip.Uri{Scheme: "sip", User: "gw", Host: "198.51.100.7"})

	ack := buildACKFor2xx(invite, res)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, "198.51.100.7", ack.Recipient.Host)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, uint32(3), ack.CSeq().SeqNo)
	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "callee", tag)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "busy", failureReason(486))
	assert.Equal(t, "cancelled", failureReason(487))
	assert.Equal(t, "declined", failureReason(603))
	assert.Equal(t, "server error", failureReason(503))
	assert.Equal(t, "rejected", failureReason(488))
}
