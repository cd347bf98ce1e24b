package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/sip/header"
)

// InviteClientTransaction is the RFC 3261 Section 17.1.1 state machine:
// Calling -> Proceeding -> Completed -> Terminated.
// A 2xx terminates the transaction immediately; the ACK for it belongs
// to the dialog layer.
type InviteClientTransaction struct {
	*transact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]

	responses chan *Response
	ack       atomic.Pointer[Request]
}

// NewInviteClientTransaction creates the transaction and sends the INVITE.
func NewInviteClientTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	sender Sender,
	opts *transactOptions,
) (*InviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &InviteClientTransaction{
		transact:  newTransact(TransactionTypeClientInvite, key, req, sender, opts),
		responses: make(chan *Response, 8),
	}
	tx.initFSM()
	if err := tx.actCalling(ctx); err != nil {
		tx.cancel()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
)

func (tx *InviteClientTransaction) initFSM() {
	tx.transact.initFSM(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

// Responses implements [ClientTransaction].
func (tx *InviteClientTransaction) Responses() <-chan *Response { return tx.responses }

// HandleResponse drives the state machine with an inbound response.
func (tx *InviteClientTransaction) HandleResponse(res *Response) {
	switch {
	case res.IsProvisional():
		tx.fire(txEvtRecv1xx, res)
	case res.IsSuccess():
		tx.fire(txEvtRecv2xx, res)
	default:
		tx.fire(txEvtRecv300699, res)
	}
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendOrigin(ctx, false); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.reliable {
		tx.tmrA.Store(timeutil.AfterFunc(tx.timings.t1(), tx.onTimerA))
	}
	tx.tmrB.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerB))
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	if tx.State() != TransactionStateCalling {
		tx.tmrA.Store(nil)
		return
	}
	tx.fire(txEvtTimerA)
	if tmr := tx.tmrA.Load(); tmr != nil {
		// INVITE retransmit intervals double without the T2 cap,
		// RFC 3261 Section 17.1.1.2.
		tmr.Reset(2 * tmr.Duration())
	}
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.tmrB.Store(nil)
	tx.fire(txEvtTimerB)
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.tmrD.Store(nil)
	tx.fire(txEvtTimerD)
}

func (tx *InviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	if tx.retransmits >= MaxRetransmits {
		return nil
	}
	if err := tx.sendOrigin(ctx, true); err != nil {
		tx.pushErr(err)
		// Actions run under the state machine lock: the transition to
		// terminated must fire asynchronously.
		go tx.fire(txEvtTranspErr, err)
	}
	return nil
}

func (tx *InviteClientTransaction) actPassRes(_ context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	select {
	case tx.responses <- res:
	default:
		tx.log.Warn("response dropped: TU is not draining", slog.Any("transaction", tx))
	}
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	_ = tx.actPassRes(ctx, args...)
	return tx.actSendAck(ctx, args...)
}

// actSendAck acknowledges a non-2xx final response, RFC 3261 Section 17.1.1.3.
// The ACK template is built once and reused for response retransmits.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		ack = tx.buildAck(args...)
		tx.ack.Store(ack)
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx))
	if err := tx.sender.SendRequest(ctx, ack, &SendOptions{}); err != nil {
		tx.pushErr(errtrace.Wrap(err))
	}
	return nil
}

func (tx *InviteClientTransaction) buildAck(args ...any) *Request {
	ack := NewRequest(RequestMethodAck, tx.origin.RequestURI().Clone())
	ack.SetRemoteEndpoint(tx.origin.RemoteEndpoint())
	ack.SetLocalEndpoint(tx.origin.LocalEndpoint())

	hs := tx.origin.Headers()
	if via, ok := hs.FirstVia(); ok {
		ack.Headers().Set(header.Via{via.Clone()})
	}
	if from, ok := hs.From(); ok {
		ack.Headers().Set(from.Clone())
	}
	// The To tag comes from the answered response.
	var res *Response
	if len(args) > 0 {
		res, _ = args[0].(*Response)
	}
	if res != nil {
		if to, ok := res.Headers().To(); ok {
			ack.Headers().Set(to.Clone())
		}
	} else if to, ok := hs.To(); ok {
		ack.Headers().Set(to.Clone())
	}
	if callID, ok := hs.CallID(); ok {
		ack.Headers().Set(callID)
	}
	if cseq, ok := hs.CSeq(); ok {
		ack.Headers().Set(header.CSeq{Seq: cseq.Seq, Method: RequestMethodAck})
	}
	if route := hs.Route(); route != nil {
		ack.Headers().Set(route.Clone())
	}
	ack.Headers().Set(header.MaxForwards(70))
	ack.SetBody(nil, true)
	return ack
}

func (tx *InviteClientTransaction) actCompleted(_ context.Context, _ ...any) error {
	if tmr := tx.tmrA.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.tmrB.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if d := tx.timings.TimeD(tx.reliable); d > 0 {
		tx.tmrD.Store(timeutil.AfterFunc(d, tx.onTimerD))
	} else {
		go tx.fire(txEvtTimerD)
	}
	return nil
}

func (tx *InviteClientTransaction) actTimedOut(_ context.Context, _ ...any) error {
	tx.pushErr(errtrace.Wrap(&TransportError{Op: "invite", Err: context.DeadlineExceeded}))
	return nil
}

func (tx *InviteClientTransaction) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.pushErr(err)
		}
	}
	return nil
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	for _, tmr := range []*timeutil.Timer{tx.tmrA.Swap(nil), tx.tmrB.Swap(nil), tx.tmrD.Swap(nil)} {
		tmr.Stop()
	}
	tx.terminated()
	return nil
}
