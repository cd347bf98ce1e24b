package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteServerTransaction is the RFC 3261 Section 17.2.2 state machine:
// Trying -> Proceeding -> Completed -> Terminated.
// The final response is buffered and replayed on duplicate requests, at
// most [MaxRetransmits] times, until Timer J expires.
type NonInviteServerTransaction struct {
	*transact

	tmrJ atomic.Pointer[timeutil.Timer]

	lastProvisional atomic.Pointer[Response]
	finalRes        atomic.Pointer[Response]

	acks    chan *Request
	cancels chan *Request
}

// NewNonInviteServerTransaction creates the transaction for a received request.
func NewNonInviteServerTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	sender Sender,
	opts *transactOptions,
) (*NonInviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &NonInviteServerTransaction{
		transact: newTransact(TransactionTypeServerNonInvite, key, req, sender, opts),
		acks:     make(chan *Request, 1),
		cancels:  make(chan *Request, 1),
	}
	tx.initFSM()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM() {
	tx.transact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtRecvReq, tx.actResendProvisional).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendFinal).
		OnEntryFrom(txEvtSend300699, tx.actSendFinal).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendFinal).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

// Acks implements [ServerTransaction]. Non-INVITE transactions see no ACK;
// the channel stays silent.
func (tx *NonInviteServerTransaction) Acks() <-chan *Request { return tx.acks }

// Cancels implements [ServerTransaction].
func (tx *NonInviteServerTransaction) Cancels() <-chan *Request { return tx.cancels }

// Respond implements [ServerTransaction].
func (tx *NonInviteServerTransaction) Respond(res *Response) error {
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

// HandleRequest absorbs duplicate requests, replaying the buffered response.
func (tx *NonInviteServerTransaction) HandleRequest(*Request) { tx.fire(txEvtRecvReq) }

func (tx *NonInviteServerTransaction) actSendProvisional(ctx context.Context, args ...any) error {
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
	}
	return nil
}

func (tx *NonInviteServerTransaction) actResendProvisional(ctx context.Context, _ ...any) error {
	res := tx.lastProvisional.Load()
	if res == nil {
		return nil
	}
	if err := tx.sendRes(ctx, res, true); err != nil {
		tx.pushErr(err)
	}
	return nil
}

func (tx *NonInviteServerTransaction) actSendFinal(ctx context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	tx.finalRes.Store(res)
	if err := tx.sendRes(ctx, res, false); err != nil {
		tx.pushErr(err)
		// Actions run under the state machine lock: the transition to
		// terminated must fire asynchronously.
		go tx.fire(txEvtTranspErr, err)
	}
	return nil
}

func (tx *NonInviteServerTransaction) actResendFinal(ctx context.Context, _ ...any) error {
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
	}
	return nil
}

func (tx *NonInviteServerTransaction) sendRes(ctx context.Context, res *Response, retransmit bool) error {
	return errtrace.Wrap(tx.sender.SendResponse(ctx, res, &SendOptions{Retransmit: retransmit}))
}

func (tx *NonInviteServerTransaction) actCompleted(_ context.Context, _ ...any) error {
	// Timer J: 64*T1 on unreliable transports, zero otherwise.
	if tx.reliable {
		go tx.fire(txEvtTimerJ)
		return nil
	}
	tx.tmrJ.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerJ))
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.tmrJ.Store(nil)
	tx.fire(txEvtTimerJ)
}

func (tx *NonInviteServerTransaction) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.pushErr(err)
		}
	}
	return nil
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	if tmr := tx.tmrJ.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	tx.terminated()
	return nil
}
