package sip

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowdial/internal/call"
)

// placeCall drives an outbound INVITE to its final response.
func (l *Line) placeCall(ctx context.Context, c *Call, req *sip.Request) {
	defer c.cancelDial()

	sent, res, err := l.exchange(ctx, req, hooks{
		sent: func(r *sip.Request) {
			c.mu.Lock()
			c.invite = r
			c.mu.Unlock()
		},
		provisional: func(res *sip.Response) {
			if res.StatusCode == 180 || res.StatusCode == 183 {
				if c.Advance(ctx, call.NativeRinging) {
					l.logger.Info("remote ringing", "call_id", c.callID, "status", res.StatusCode)
				}
			}
		},
	}, sipgo.ClientRequestBuild)
	if err != nil {
		l.logger.Warn("outgoing call failed", "call_id", c.callID, "error", err)
		l.endCall(c, "setup failed")
		return
	}
	if res.StatusCode >= 300 {
		l.logger.Info("outgoing call rejected",
			"call_id", c.callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)
		l.endCall(c, failureReason(res.StatusCode))
		return
	}

	if err := l.client.WriteRequest(buildACKFor2xx(sent, res)); err != nil {
		l.logger.Error("failed to send ack", "call_id", c.callID, "error", err)
	}

	c.mu.Lock()
	c.settleLocked()
	c.acceptOutbound(sent, res)
	hangup := c.hangup
	c.mu.Unlock()

	if hangup {
		// Answered after we cancelled.
		if err := c.bye(context.Background()); err != nil {
			l.logger.Debug("bye after late answer failed", "call_id", c.callID, "error", err)
		}
		return
	}
	l.logger.Info("call answered by remote", "call_id", c.callID)
	c.Advance(ctx, call.NativeActive)
}

// sendCancel cancels a pending INVITE.
func (l *Line) sendCancel(ctx context.Context, invite *sip.Request) error {
	tx, err := l.client.TransactionRequest(ctx, buildCancel(invite), sipgo.ClientRequestBuild)
	if err != nil {
		return err
	}
	tx.Terminate()
	return nil
}

// failureReason names the outcome of a failed INVITE for logs.
func failureReason(status int) string {
	switch {
	case status == 486 || status == 600:
		return "busy"
	case status == 487:
		return "cancelled"
	case status == 404 || status == 604:
		return "not found"
	case status == 480:
		return "unavailable"
	case status == 403:
		return "forbidden"
	case status == 603:
		return "declined"
	case status >= 500:
		return "server error"
	}
	return "rejected"
}
