package sip

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// hooks observe a client exchange. Both are optional.
type hooks struct {
	// sent is called with each request put on the wire, including the
	// authenticated retry.
	sent func(*sip.Request)
	// provisional is called with each 1xx response other than 100.
	provisional func(*sip.Response)
}

// exchange sends req and waits for its final response, answering one digest
// challenge with the line credentials. It returns the request that produced
// the final response.
func (l *Line) exchange(ctx context.Context, req *sip.Request, h hooks, opts ...sipgo.ClientRequestOption) (*sip.Request, *sip.Response, error) {
	res, err := l.roundTrip(ctx, req, h, opts...)
	if err != nil {
		return req, nil, err
	}
	if !isChallenge(res) {
		return req, res, nil
	}

	authReq, err := authorize(req, res, l.cfg.authUser(), l.cfg.Password)
	if err != nil {
		return req, nil, err
	}
	res, err = l.roundTrip(ctx, authReq, h, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	if err != nil {
		return authReq, nil, err
	}
	return authReq, res, nil
}

func (l *Line) roundTrip(ctx context.Context, req *sip.Request, h hooks, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := l.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	if h.sent != nil {
		h.sent(req)
	}

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
		if res.StatusCode != 100 && h.provisional != nil {
			h.provisional(res)
		}
	}
}

// getResponse waits for the next response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI is the Contact of the response if present, otherwise the
// INVITE's Request-URI.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// buildCancel creates the CANCEL for a pending INVITE. It shares the
// INVITE's top Via, From, To, Call-ID and CSeq number.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, cancel)
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(inviteReq.Transport())
	cancel.SetDestination(inviteReq.Destination())
	return cancel
}
