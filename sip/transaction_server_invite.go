package sip

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteServerTransaction is the RFC 3261 Section 17.2.1 state machine:
// Proceeding -> Completed -> Confirmed -> Terminated.
// A 2xx final response terminates the transaction immediately; its
// retransmissions are the TU's concern.
type InviteServerTransaction struct {
	*transact

	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrRel atomic.Pointer[timeutil.Timer]

	lastProvisional atomic.Pointer[Response]
	finalRes        atomic.Pointer[Response]

	acks    chan *Request
	cancels chan *Request
}

// NewInviteServerTransaction creates the transaction for a received INVITE
// and answers it with 100 Trying.
func NewInviteServerTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	sender Sender,
	opts *transactOptions,
) (*InviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &InviteServerTransaction{
		transact: newTransact(TransactionTypeServerInvite, key, req, sender, opts),
		acks:     make(chan *Request, 4),
		cancels:  make(chan *Request, 4),
	}
	tx.initFSM()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	trying := NewResponseFromRequest(req, StatusTrying, "")
	if err := tx.Respond(trying); err != nil {
		tx.cancel()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerRel = "timer_rel"
)

func (tx *InviteServerTransaction) initFSM() {
	tx.transact.initFSM(TransactionStateProceeding)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtRecvReq, tx.actResendProvisional).
		InternalTransition(txEvtTimerRel, tx.actResendProvisional).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendFinal).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtTimerG, tx.actResendFinal).
		InternalTransition(txEvtRecvReq, tx.actResendFinal).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntryFrom(txEvtRecvAck, tx.actPassAck).
		OnEntry(tx.actConfirmed).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendFinal).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

// Acks implements [ServerTransaction].
func (tx *InviteServerTransaction) Acks() <-chan *Request { return tx.acks }

// Cancels implements [ServerTransaction].
func (tx *InviteServerTransaction) Cancels() <-chan *Request { return tx.cancels }

// Respond implements [ServerTransaction].
func (tx *InviteServerTransaction) Respond(res *Response) error {
	switch {
	case res.IsProvisional():
		tx.fire(txEvtSend1xx, res)
	case res.IsSuccess():
		tx.fire(txEvtSend2xx, res)
	default:
		tx.fire(txEvtSend300699, res)
	}
	return nil
}

// HandleRequest absorbs INVITE retransmits and the confirming ACK.
func (tx *InviteServerTransaction) HandleRequest(req *Request) {
	switch {
	case req.IsAck():
		// Late ACKs in confirmed/terminated are dropped by the
		// state machine's trigger filter.
		tx.fire(txEvtRecvAck, req)
	default:
		tx.fire(txEvtRecvReq, req)
	}
}

// HandleCancel cancels the pending INVITE: a 487 is generated when the
// transaction has not sent a final response yet, and the CANCEL surfaces
// on the Cancels channel.
func (tx *InviteServerTransaction) HandleCancel(cancel *Request) {
	if tx.State() == TransactionStateProceeding {
		res := NewResponseFromRequest(tx.origin, StatusRequestTerminated, "")
		_ = tx.Respond(res)
	}
	select {
	case tx.cancels <- cancel:
	default:
	}
}

// PrackReceived stops the reliable provisional retransmit schedule,
// RFC 3262 Section 3.
func (tx *InviteServerTransaction) PrackReceived() {
	if tmr := tx.tmrRel.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

func (tx *InviteServerTransaction) actSendProvisional(ctx context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	tx.lastProvisional.Store(res)
	if err := tx.sendRes(ctx, res, false); err != nil {
		tx.pushErr(err)
		// Actions run under the state machine lock: the transition to
		// terminated must fire asynchronously.
		go tx.fire(txEvtTranspErr, err)
		return nil
	}
	// A reliable provisional retransmits on the G schedule until PRACK.
	if res.Status() > StatusTrying && slices.ContainsFunc(res.Headers().Require(), func(t string) bool {
		return strings.EqualFold(t, "100rel")
	}) && !tx.reliable {
		tx.tmrRel.Store(timeutil.AfterFunc(tx.timings.t1(), tx.onTimerRel))
	}
	return nil
}

func (tx *InviteServerTransaction) actResendProvisional(ctx context.Context, _ ...any) error {
	res := tx.lastProvisional.Load()
	if res == nil {
		return nil
	}
	if err := tx.sendRes(ctx, res, true); err != nil {
		tx.pushErr(err)
	}
	return nil
}

func (tx *InviteServerTransaction) actSendFinal(ctx context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	tx.finalRes.Store(res)
	if tmr := tx.tmrRel.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if err := tx.sendRes(ctx, res, false); err != nil {
		tx.pushErr(err)
		// Actions run under the state machine lock: the transition to
		// terminated must fire asynchronously.
		go tx.fire(txEvtTranspErr, err)
	}
	return nil
}

func (tx *InviteServerTransaction) actResendFinal(ctx context.Context, _ ...any) error {
	res := tx.finalRes.Load()
	if res == nil {
		return nil
	}
	if tx.retransmits >= MaxRetransmits {
		return nil
	}
	tx.retransmits++
	if tx.noRetransmit {
		return nil
	}
	if err := tx.sendRes(ctx, res, true); err != nil {
		tx.pushErr(err)
		// Actions run under the state machine lock: the transition to
		// terminated must fire asynchronously.
		go tx.fire(txEvtTranspErr, err)
	}
	return nil
}

func (tx *InviteServerTransaction) sendRes(ctx context.Context, res *Response, retransmit bool) error {
	return errtrace.Wrap(tx.sender.SendResponse(ctx, res, &SendOptions{Retransmit: retransmit}))
}

func (tx *InviteServerTransaction) actCompleted(_ context.Context, _ ...any) error {
	if !tx.reliable {
		tx.tmrG.Store(timeutil.AfterFunc(tx.timings.t1(), tx.onTimerG))
	}
	tx.tmrH.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerH))
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(_ context.Context, _ ...any) error {
	for _, tmr := range []*timeutil.Timer{tx.tmrG.Swap(nil), tx.tmrH.Swap(nil)} {
		tmr.Stop()
	}
	if tx.reliable {
		go tx.fire(txEvtTimerI)
		return nil
	}
	tx.tmrI.Store(timeutil.AfterFunc(tx.timings.t4(), tx.onTimerI))
	return nil
}

func (tx *InviteServerTransaction) actPassAck(_ context.Context, args ...any) error {
	ack, _ := args[0].(*Request)
	if ack == nil {
		return nil
	}
	select {
	case tx.acks <- ack:
	default:
	}
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	if tx.State() != TransactionStateCompleted {
		tx.tmrG.Store(nil)
		return
	}
	tx.fire(txEvtTimerG)
	if tmr := tx.tmrG.Load(); tmr != nil {
		// Timer G doubles up to the T2 cap, RFC 3261 Section 17.2.1.
		tmr.Reset(min(2*tmr.Duration(), tx.timings.t2()))
	}
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.tmrH.Store(nil)
	tx.fire(txEvtTimerH)
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.tmrI.Store(nil)
	tx.fire(txEvtTimerI)
}

func (tx *InviteServerTransaction) onTimerRel() {
	if tx.State() != TransactionStateProceeding {
		tx.tmrRel.Store(nil)
		return
	}
	tx.fire(txEvtTimerRel)
	if tmr := tx.tmrRel.Load(); tmr != nil {
		tmr.Reset(min(2*tmr.Duration(), tx.timings.t2()))
	}
}

func (tx *InviteServerTransaction) actTimedOut(_ context.Context, _ ...any) error {
	tx.pushErr(errtrace.Wrap(&TransportError{Op: "invite final response", Err: context.DeadlineExceeded}))
	return nil
}

func (tx *InviteServerTransaction) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.pushErr(err)
		}
	}
	return nil
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	for _, tmr := range []*timeutil.Timer{
		tx.tmrG.Swap(nil), tx.tmrH.Swap(nil), tx.tmrI.Swap(nil), tx.tmrRel.Swap(nil),
	} {
		tmr.Stop()
	}
	tx.terminated()
	return nil
}
