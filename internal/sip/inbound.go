package sip

import (
	"context"
	"errors"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowdial/internal/call"
)

// handleInvite offers a new inbound call to the listener. The handler keeps
// the INVITE transaction until the call is answered, declined or abandoned
// by the caller.
func (l *Line) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			l.handleReinvite(req, tx, callID)
			return
		}
	}

	l.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)
	l.respond(req, tx, 100, "Trying")

	// A late offer is answered with our offer in the 200 OK.
	m := newMedia(l.cfg.MediaIP, l.cfg.RTPPort)
	var answer []byte
	var err error
	if len(req.Body()) > 0 {
		answer, err = m.answer(req.Body())
	} else {
		answer, err = m.offer(dirSendRecv)
	}
	if err != nil {
		l.logger.Warn("rejecting invite", "call_id", callID, "error", err)
		l.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	l.mu.Lock()
	if len(l.calls) > 0 {
		l.mu.Unlock()
		l.logger.Info("line busy, rejecting invite", "call_id", callID)
		l.respond(req, tx, 486, "Busy Here")
		return
	}
	c := newInboundCall(l, req, tx, m, answer)
	l.calls[callID] = c
	l.mu.Unlock()

	ctx := context.Background()
	c.Advance(ctx, call.NativeRinging)
	if err := tx.Respond(c.response(180, "Ringing", nil)); err != nil {
		l.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
	}
	l.listener.OnCallAdded(ctx, c)

	select {
	case <-c.settled:
	case <-tx.Done():
		if !c.isSettled() {
			l.endCall(c, "caller abandoned")
		}
	}
}

// handleReinvite answers a re-INVITE on an established call with a fresh
// SDP answer. Remote hold is logged; the call keeps its state.
func (l *Line) handleReinvite(req *sip.Request, tx sip.ServerTransaction, callID string) {
	c := l.lookup(callID)
	if c == nil {
		l.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	c.media = c.media.next()
	m := c.media
	c.mu.Unlock()

	body, err := m.answer(req.Body())
	if err != nil {
		l.logger.Warn("rejecting re-invite", "call_id", callID, "error", err)
		l.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	if remoteHold(req.Body()) {
		l.logger.Info("remote hold", "call_id", callID)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: *l.contact.Clone()})
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to answer re-invite", "call_id", callID, "error", err)
	}
}

func (l *Line) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	l.logger.Debug("sip ack received", "call_id", callIDOf(req), "source", req.Source())
}

// handleBye ends the call on remote hangup.
func (l *Line) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c := l.lookup(callID)
	if c == nil {
		l.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	l.respond(req, tx, 200, "OK")
	l.endCall(c, "remote hangup")
}

// handleCancel ends a ringing inbound call the caller gave up on.
func (l *Line) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c := l.lookup(callID)
	if c == nil || c.outgoing {
		l.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	l.respond(req, tx, 200, "OK")

	c.mu.Lock()
	already := !c.settleLocked()
	res := c.response(487, "Request Terminated", nil)
	c.mu.Unlock()
	if already {
		return
	}
	if err := c.inviteTx.Respond(res); err != nil {
		l.logger.Debug("failed to send 487", "call_id", callID, "error", err)
	}
	l.endCall(c, "caller cancelled")
}

// handleInfo acknowledges INFO requests and logs DTMF key presses.
func (l *Line) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if l.lookup(callID) == nil {
		l.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if ct := req.ContentType(); ct != nil {
		info, err := parseInfoDTMF(ct.Value(), req.Body())
		switch {
		case err == nil:
			l.logger.Info("remote dtmf", "call_id", callID, "signal", string(info.Signal), "duration", info.Duration)
		case errors.Is(err, ErrInvalidDTMFInfo):
			l.logger.Debug("sip info ignored", "call_id", callID, "content_type", ct.Value())
		}
	}
	l.respond(req, tx, 200, "OK")
}

// handleOptions answers keepalive pings.
func (l *Line) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to respond to options", "error", err)
	}
}

func (l *Line) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to send response",
			"code", code,
			"call_id", callIDOf(req),
			"error", err,
		)
	}
}
