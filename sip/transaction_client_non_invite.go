package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteClientTransaction is the RFC 3261 Section 17.1.2 state machine:
// Trying -> Proceeding -> Completed -> Terminated.
type NonInviteClientTransaction struct {
	*transact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]

	responses chan *Response
}

// NewNonInviteClientTransaction creates the transaction and sends the request.
func NewNonInviteClientTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	sender Sender,
	opts *transactOptions,
) (*NonInviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &NonInviteClientTransaction{
		transact:  newTransact(TransactionTypeClientNonInvite, key, req, sender, opts),
		responses: make(chan *Response, 8),
	}
	tx.initFSM()
	if err := tx.actTrying(ctx); err != nil {
		tx.cancel()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM() {
	tx.transact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated)
}

// Responses implements [ClientTransaction].
func (tx *NonInviteClientTransaction) Responses() <-chan *Response { return tx.responses }

// HandleResponse drives the state machine with an inbound response.
func (tx *NonInviteClientTransaction) HandleResponse(res *Response) {
	switch {
	case res.IsProvisional():
		tx.fire(txEvtRecv1xx, res)
	case res.IsSuccess():
		tx.fire(txEvtRecv2xx, res)
	default:
		tx.fire(txEvtRecv300699, res)
	}
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendOrigin(ctx, false); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.reliable {
		tx.tmrE.Store(timeutil.AfterFunc(tx.timings.t1(), tx.onTimerE))
	}
	tx.tmrF.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerF))
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	switch tx.State() {
	case TransactionStateTrying, TransactionStateProceeding:
	default:
		tx.tmrE.Store(nil)
		return
	}
	tx.fire(txEvtTimerE)
	if tmr := tx.tmrE.Load(); tmr != nil {
		// Timer E doubles up to the T2 cap, RFC 3261 Section 17.1.2.2.
		tmr.Reset(min(2*tmr.Duration(), tx.timings.t2()))
	}
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.tmrF.Store(nil)
	tx.fire(txEvtTimerF)
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.tmrK.Store(nil)
	tx.fire(txEvtTimerK)
}

func (tx *NonInviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
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

func (tx *NonInviteClientTransaction) actPassRes(_ context.Context, args ...any) error {
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

func (tx *NonInviteClientTransaction) actCompleted(_ context.Context, _ ...any) error {
	for _, tmr := range []*timeutil.Timer{tx.tmrE.Swap(nil), tx.tmrF.Swap(nil)} {
		tmr.Stop()
	}
	if tx.reliable {
		go tx.fire(txEvtTimerK)
		return nil
	}
	tx.tmrK.Store(timeutil.AfterFunc(tx.timings.t4(), tx.onTimerK))
	return nil
}

func (tx *NonInviteClientTransaction) actTimedOut(_ context.Context, _ ...any) error {
	tx.pushErr(errtrace.Wrap(&TransportError{Op: tx.origin.Method().String(), Err: context.DeadlineExceeded}))
	return nil
}

func (tx *NonInviteClientTransaction) actTranspErr(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.pushErr(err)
		}
	}
	return nil
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))
	for _, tmr := range []*timeutil.Timer{tx.tmrE.Swap(nil), tx.tmrF.Swap(nil), tx.tmrK.Swap(nil)} {
		tmr.Stop()
	}
	tx.terminated()
	return nil
}
