package sip

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

// ErrNoDialog is returned by commands that need an established call.
var ErrNoDialog = errors.New("sip: call not established")

// cancelGrace is how long a cancelled INVITE may wait for its final
// response before the call is dropped locally.
const cancelGrace = 5 * time.Second

// party is one end of a dialog.
type party struct {
	name string
	uri  sip.Uri
	tag  string
}

// dialog is the state needed to send requests within an established call.
type dialog struct {
	local     party
	remote    party
	target    sip.Uri
	routes    []string
	transport string
	cseq      uint32
}

// Call is one SIP call. Inbound calls keep their INVITE transaction open
// until they are answered or declined; outbound calls are driven by
// Line.placeCall.
type Call struct {
	*line.Call

	l        *Line
	callID   string
	outgoing bool
	localTag string
	settled  chan struct{}

	// cancelDial aborts outbound call setup. Nil for inbound calls.
	cancelDial context.CancelFunc

	mu        sync.Mutex
	done      bool // final INVITE response sent or received
	hangup    bool // local hangup requested before the call settled
	media     *media
	invite    *sip.Request
	inviteTx  sip.ServerTransaction
	answerSDP []byte
	dlg       *dialog
}

func newOutboundCall(l *Line, number string) *Call {
	id := uuid.NewString()
	return &Call{
		Call:     line.NewCall(id, number, ""),
		l:        l,
		callID:   id,
		outgoing: true,
		localTag: sip.GenerateTagN(16),
		settled:  make(chan struct{}),
		media:    newMedia(l.cfg.MediaIP, l.cfg.RTPPort),
	}
}

func newInboundCall(l *Line, req *sip.Request, tx sip.ServerTransaction, m *media, answerSDP []byte) *Call {
	phone, name := "", ""
	if from := req.From(); from != nil {
		phone = from.Address.User
		name = from.DisplayName
	}
	// Every response to the INVITE carries our tag.
	tag := sip.GenerateTagN(16)
	if to := req.To(); to != nil {
		to.Params.Add("tag", tag)
	}
	return &Call{
		Call:      line.NewCall(callIDOf(req), phone, name),
		l:         l,
		callID:    callIDOf(req),
		localTag:  tag,
		settled:   make(chan struct{}),
		invite:    req,
		inviteTx:  tx,
		answerSDP: answerSDP,
		media:     m,
	}
}

// settle marks the INVITE as finished. It reports whether this call did so.
func (c *Call) settle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleLocked()
}

func (c *Call) settleLocked() bool {
	if c.done {
		return false
	}
	c.done = true
	close(c.settled)
	return true
}

func (c *Call) isSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// newInvite builds the initial INVITE for an outbound call.
func (c *Call) newInvite() (*sip.Request, error) {
	l := c.l
	recipient := sip.Uri{Scheme: "sip", User: c.CallerPhoneNumber(), Host: l.registrar.Host, Port: l.registrar.Port}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(l.cfg.Transport))

	from := &sip.FromHeader{
		DisplayName: l.cfg.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: l.cfg.Username, Host: l.registrar.Host},
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.ContactHeader{Address: *l.contact.Clone()})

	body, err := c.media.offer(dirSendRecv)
	if err != nil {
		return nil, err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req, nil
}

// response builds a response to the initial INVITE.
func (c *Call) response(code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(c.invite, code, reason, body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if code >= 180 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: *c.l.contact.Clone()})
	}
	return res
}

// acceptInbound records the dialog created by answering req.
func (c *Call) acceptInbound(req *sip.Request) {
	d := &dialog{transport: req.Transport()}
	if to := req.To(); to != nil {
		d.local = party{name: to.DisplayName, uri: to.Address, tag: c.localTag}
	}
	if from := req.From(); from != nil {
		tag, _ := from.Params.Get("tag")
		d.remote = party{name: from.DisplayName, uri: from.Address, tag: tag}
		d.target = from.Address
	}
	if contact := req.Contact(); contact != nil {
		d.target = contact.Address
	}
	for _, h := range req.GetHeaders("Record-Route") {
		d.routes = append(d.routes, h.Value())
	}
	c.dlg = d
}

// acceptOutbound records the dialog created by a 2xx to our INVITE.
func (c *Call) acceptOutbound(req *sip.Request, res *sip.Response) {
	d := &dialog{transport: req.Transport(), target: req.Recipient}
	if from := req.From(); from != nil {
		d.local = party{name: from.DisplayName, uri: from.Address, tag: c.localTag}
	}
	if to := res.To(); to != nil {
		tag, _ := to.Params.Get("tag")
		d.remote = party{name: to.DisplayName, uri: to.Address, tag: tag}
	}
	if contact := res.Contact(); contact != nil {
		d.target = contact.Address
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	for _, h := range res.GetHeaders("Record-Route") {
		d.routes = append(d.routes, h.Value())
	}
	slices.Reverse(d.routes)
	c.dlg = d
}

// newRequest builds an in-dialog request with the next local CSeq.
func (c *Call) newRequest(method sip.RequestMethod, contentType string, body []byte) (*sip.Request, error) {
	c.mu.Lock()
	d := c.dlg
	if d == nil {
		c.mu.Unlock()
		return nil, ErrNoDialog
	}
	d.cseq++
	seq := d.cseq
	c.mu.Unlock()

	req := sip.NewRequest(method, *d.target.Clone())
	req.SetTransport(d.transport)
	for _, r := range d.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	from := &sip.FromHeader{DisplayName: d.local.name, Address: *d.local.uri.Clone(), Params: sip.NewParams()}
	from.Params.Add("tag", d.local.tag)
	req.AppendHeader(from)
	to := &sip.ToHeader{DisplayName: d.remote.name, Address: *d.remote.uri.Clone(), Params: sip.NewParams()}
	if d.remote.tag != "" {
		to.Params.Add("tag", d.remote.tag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: *c.l.contact.Clone()})

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	return req, nil
}

// send sends an in-dialog request and returns the request that got the
// final response.
func (c *Call) send(ctx context.Context, req *sip.Request) (*sip.Request, *sip.Response, error) {
	sent, res, err := c.l.exchange(ctx, req, hooks{}, sipgo.ClientRequestAddVia)
	if sent != req {
		// The authenticated retry took the next CSeq.
		if cseq := sent.CSeq(); cseq != nil {
			c.mu.Lock()
			if c.dlg != nil && cseq.SeqNo > c.dlg.cseq {
				c.dlg.cseq = cseq.SeqNo
			}
			c.mu.Unlock()
		}
	}
	if err != nil {
		return sent, nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	return sent, res, nil
}

// Answer accepts a ringing inbound call with 200 OK.
func (c *Call) Answer(ctx context.Context) error {
	if c.outgoing {
		return fmt.Errorf("sip: cannot answer outgoing call %s", c.callID)
	}
	c.mu.Lock()
	if !c.settleLocked() {
		c.mu.Unlock()
		return fmt.Errorf("sip: call %s already settled", c.callID)
	}
	c.acceptInbound(c.invite)
	res := c.response(200, "OK", c.answerSDP)
	tx := c.inviteTx
	c.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		c.l.endCall(c, "answer failed")
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	c.l.logger.Info("call answered", "call_id", c.callID)
	c.Advance(ctx, call.NativeActive)
	return nil
}

// Disconnect declines a ringing inbound call, cancels an outbound call that
// is still being set up or sends BYE on an established call.
func (c *Call) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.dlg != nil:
		c.mu.Unlock()
		return c.bye(ctx)

	case !c.outgoing:
		if !c.settleLocked() {
			c.mu.Unlock()
			return nil
		}
		res := c.response(603, "Decline", nil)
		tx := c.inviteTx
		c.mu.Unlock()

		err := tx.Respond(res)
		c.l.endCall(c, "declined")
		if err != nil {
			return fmt.Errorf("sending 603 decline: %w", err)
		}
		return nil

	default:
		c.hangup = true
		invite := c.invite
		c.mu.Unlock()

		c.Advance(ctx, call.NativeDisconnecting)
		if invite == nil {
			c.cancelDial()
			return nil
		}
		time.AfterFunc(cancelGrace, c.cancelDial)
		return c.l.sendCancel(ctx, invite)
	}
}

// bye ends an established call.
func (c *Call) bye(ctx context.Context) error {
	c.Advance(ctx, call.NativeDisconnecting)
	req, err := c.newRequest(sip.BYE, "", nil)
	if err != nil {
		c.l.endCall(c, "local hangup")
		return err
	}
	_, res, err := c.send(ctx, req)
	c.l.endCall(c, "local hangup")
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		c.l.logger.Debug("bye refused", "call_id", c.callID, "status", res.StatusCode)
	}
	return nil
}

// Hold puts the remote party on hold with a sendonly re-INVITE.
func (c *Call) Hold(ctx context.Context) error {
	return c.reinvite(ctx, dirSendOnly, call.NativeHolding)
}

// Unhold resumes the call with a sendrecv re-INVITE.
func (c *Call) Unhold(ctx context.Context) error {
	return c.reinvite(ctx, dirSendRecv, call.NativeActive)
}

func (c *Call) reinvite(ctx context.Context, dir string, to call.NativeState) error {
	if !c.Can(to) {
		return fmt.Errorf("sip: call %s cannot move to %s from %s", c.callID, to, c.State())
	}
	c.mu.Lock()
	c.media = c.media.next()
	m := c.media
	c.mu.Unlock()

	body, err := m.offer(dir)
	if err != nil {
		return err
	}
	req, err := c.newRequest(sip.INVITE, "application/sdp", body)
	if err != nil {
		return err
	}
	sent, res, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-invite refused with status %d %s", res.StatusCode, res.Reason)
	}
	if err := c.l.client.WriteRequest(buildACKFor2xx(sent, res)); err != nil {
		c.l.logger.Warn("failed to ack re-invite", "call_id", c.callID, "error", err)
	}
	c.Advance(ctx, to)
	return nil
}

// PlayDTMFTone sends the tone as a SIP INFO application/dtmf-relay.
func (c *Call) PlayDTMFTone(ctx context.Context, tone rune) error {
	body, err := dtmfRelayBody(tone)
	if err != nil {
		return err
	}
	req, err := c.newRequest(sip.INFO, contentTypeDTMFRelay, body)
	if err != nil {
		return err
	}
	_, res, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("dtmf info refused with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// StopDTMFTone is a no-op: INFO tones carry their own duration.
func (c *Call) StopDTMFTone(context.Context) error { return nil }
