package sip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/log"
)

// TransactionType distinguishes the four RFC 3261 state machines.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client-invite"
	TransactionTypeClientNonInvite TransactionType = "client-non-invite"
	TransactionTypeServerInvite    TransactionType = "server-invite"
	TransactionTypeServerNonInvite TransactionType = "server-non-invite"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionKey identifies a transaction inside the engine.
type TransactionKey string

// Transaction is the common surface of the four transaction kinds.
type Transaction interface {
	Key() TransactionKey
	Type() TransactionType
	State() TransactionState
	// Origin returns the request that created the transaction.
	Origin() *Request
	// Terminate cancels the transaction and its timers.
	Terminate()
	// Done is closed once the transaction reaches the terminated state.
	Done() <-chan struct{}
	// Errors delivers timeout and transport failures.
	Errors() <-chan error
}

// ClientTransaction is a UAC transaction.
type ClientTransaction interface {
	Transaction
	// Responses delivers provisional and final responses to the TU.
	Responses() <-chan *Response
}

// ServerTransaction is a UAS transaction.
type ServerTransaction interface {
	Transaction
	// Respond sends a response through the transaction.
	Respond(res *Response) error
	// Acks delivers the ACK that confirms a non-2xx final response.
	Acks() <-chan *Request
	// Cancels delivers a CANCEL targeting this transaction.
	Cancels() <-chan *Request
}

// Sender carries outbound messages to the wire on behalf of transactions.
// The transport layer implements it.
type Sender interface {
	SendRequest(ctx context.Context, req *Request, opts *SendOptions) error
	SendResponse(ctx context.Context, res *Response, opts *SendOptions) error
}

// SendOptions tune a single send.
type SendOptions struct {
	// Retransmit marks the send as a wire retransmission for tracing.
	Retransmit bool
	// WaitForDNS blocks the send on name resolution instead of returning
	// [ErrInProgress] on a cache miss.
	WaitForDNS bool
	// CanInitiateConn permits connection-oriented channels to dial out.
	CanInitiateConn bool
	// ChannelIDHint names a preferred local channel.
	ChannelIDHint string
}

// ClientTransactionKeyFromMessage derives the key used to match responses
// to client transactions: per RFC 3261 Section 17.1.3 only the top Via
// branch and the CSeq method participate. The sent-by is deliberately left
// out because the transport rewrites placeholder Via hosts after the
// transaction derives its key.
func ClientTransactionKeyFromMessage(msg Message) (TransactionKey, error) {
	via, ok := msg.Headers().FirstVia()
	if !ok {
		return "", errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "missing Via header"))
	}

	method := cseqMethod(msg)
	if req, isReq := msg.(*Request); isReq {
		method = req.Method()
	}
	if method.Equal(RequestMethodAck) {
		method = RequestMethodInvite
	}
	method = method.Canonic()

	if via.HasRFC3261Branch() {
		return hashKey("clnt", via.Branch(), string(method)), nil
	}

	hs := msg.Headers()
	callID, _ := hs.CallID()
	var fromTag string
	if from, ok := hs.From(); ok {
		fromTag = from.Tag()
	}
	var cseq uint32
	if c, ok := hs.CSeq(); ok {
		cseq = c.Seq
	}
	return hashKey("clnt", string(callID), fromTag, fmt.Sprint(cseq), string(method)), nil
}

// TransactionKeyFromMessage derives the server-side transaction key:
// the hash of the top Via branch, sent-by and the matching method, per
// RFC 3261 Section 17.2.3. ACK derives the key of the INVITE it confirms.
// Messages without a magic-cookie branch fall back to the RFC 2543 style
// key over Call-ID, From tag, To, CSeq, Request-URI and top Via.
func TransactionKeyFromMessage(msg Message) (TransactionKey, error) {
	via, ok := msg.Headers().FirstVia()
	if !ok {
		return "", errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "missing Via header"))
	}

	method := cseqMethod(msg)
	if req, isReq := msg.(*Request); isReq {
		method = req.Method()
	}
	if method.Equal(RequestMethodAck) {
		method = RequestMethodInvite
	}
	method = method.Canonic()

	if via.HasRFC3261Branch() {
		return hashKey(via.Branch(), via.Addr.String(), string(method)), nil
	}
	return rfc2543Key(msg, method)
}

// cancelTargetKey derives the key of the INVITE transaction a CANCEL
// targets: same branch and sent-by, method INVITE.
func cancelTargetKey(req *Request) (TransactionKey, error) {
	via, ok := req.Headers().FirstVia()
	if !ok {
		return "", errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "missing Via header"))
	}
	if via.HasRFC3261Branch() {
		return hashKey(via.Branch(), via.Addr.String(), string(RequestMethodInvite)), nil
	}
	return rfc2543Key(req, RequestMethodInvite)
}

func rfc2543Key(msg Message, method RequestMethod) (TransactionKey, error) {
	hs := msg.Headers()
	callID, _ := hs.CallID()
	var fromTag, to string
	if from, ok := hs.From(); ok {
		fromTag = from.Tag()
	}
	if toHdr, ok := hs.To(); ok && toHdr.Uri != nil {
		to = toHdr.Uri.String()
	}
	var cseq uint32
	if c, ok := hs.CSeq(); ok {
		cseq = c.Seq
	}
	requri := ""
	if req, ok := msg.(*Request); ok && req.RequestURI() != nil && !req.IsCancel() {
		requri = req.RequestURI().String()
	}
	via, _ := hs.FirstVia()
	return hashKey(string(callID), fromTag, to, fmt.Sprint(cseq), string(method), requri, via.String()), nil
}

func hashKey(parts ...string) TransactionKey {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return TransactionKey(hex.EncodeToString(sum[:16]))
}

// Timings bundle the retransmission timer base values of one transaction.
type Timings struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration
}

func (t Timings) t1() time.Duration {
	if t.T1 > 0 {
		return t.T1
	}
	return T1
}

func (t Timings) t2() time.Duration {
	if t.T2 > 0 {
		return t.T2
	}
	return T2
}

func (t Timings) t4() time.Duration {
	if t.T4 > 0 {
		return t.T4
	}
	return T4
}

// TimeB is the transaction timeout: 64*T1.
func (t Timings) TimeB() time.Duration { return 64 * t.t1() }

// TimeD is the wait for response retransmits in the client INVITE
// completed state.
func (t Timings) TimeD(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 32 * time.Second
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300_699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300_699"
	txEvtTranspErr  = "transport_err"
	txEvtTerminate  = "terminate"
	txEvtTimeout    = "timeout"
)

// transact holds everything the four transaction kinds share.
type transact struct {
	key      TransactionKey
	typ      TransactionType
	origin   *Request
	sender   Sender
	timings  Timings
	reliable bool
	// noRetransmit keeps the timers running but suppresses wire
	// retransmits, for peers that misidentify them.
	noRetransmit bool
	log          *slog.Logger

	fsmMu sync.Mutex
	fsm   *stateless.StateMachine

	ctx    context.Context
	cancel context.CancelFunc

	doneOnce sync.Once
	done     chan struct{}
	errs     chan error

	retransmits int

	onTerminate func()
}

type transactOptions struct {
	Timings           Timings
	DisableRetransmit bool
	Logger            *slog.Logger
	OnTerminate       func()
}

func newTransact(
	typ TransactionType,
	key TransactionKey,
	req *Request,
	sender Sender,
	opts *transactOptions,
) *transact {
	tx := &transact{
		key:    key,
		typ:    typ,
		origin: req,
		sender: sender,
		done:   make(chan struct{}),
		errs:   make(chan error, 4),
		log:    log.Default(),
	}
	tx.reliable = req.RemoteEndpoint().Proto.IsReliable()
	if opts != nil {
		tx.timings = opts.Timings
		tx.noRetransmit = opts.DisableRetransmit
		tx.onTerminate = opts.OnTerminate
		if opts.Logger != nil {
			tx.log = opts.Logger
		}
	}
	tx.log = tx.log.With(slog.Any("transaction_key", key), slog.Any("transaction_type", typ))
	tx.ctx, tx.cancel = context.WithCancel(context.Background())
	return tx
}

func (tx *transact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringImmediate)
}

// fire drives the state machine under the transaction lock.
// Unknown triggers in the current state are ignored: late or duplicate
// events are the norm in SIP, not a bug.
func (tx *transact) fire(trigger string, args ...any) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	if ok, _ := tx.fsm.CanFire(trigger); !ok {
		return
	}
	if err := tx.fsm.FireCtx(tx.ctx, trigger, args...); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelError,
			"transaction state machine fault",
			slog.Any("error", err),
			slog.String("trigger", trigger),
		)
	}
}

func (tx *transact) Key() TransactionKey { return tx.key }

func (tx *transact) Type() TransactionType { return tx.typ }

func (tx *transact) State() TransactionState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

func (tx *transact) Origin() *Request { return tx.origin }

func (tx *transact) Done() <-chan struct{} { return tx.done }

func (tx *transact) Errors() <-chan error { return tx.errs }

func (tx *transact) Terminate() { tx.fire(txEvtTerminate) }

// terminated finalizes the transaction: cancels timers through the
// context, notifies the engine and releases waiters.
func (tx *transact) terminated() {
	tx.cancel()
	tx.doneOnce.Do(func() {
		if tx.onTerminate != nil {
			tx.onTerminate()
		}
		close(tx.done)
	})
}

func (tx *transact) pushErr(err error) {
	select {
	case tx.errs <- err:
	default:
	}
}

// sendOrigin writes the origin request to the wire.
// Used for the initial send and for timer-driven retransmits.
func (tx *transact) sendOrigin(ctx context.Context, retransmit bool) error {
	if retransmit {
		tx.retransmits++
		if tx.noRetransmit {
			return nil
		}
	}
	err := tx.sender.SendRequest(ctx, tx.origin, &SendOptions{
		Retransmit:      retransmit,
		CanInitiateConn: !retransmit,
	})
	switch {
	case err == nil, errors.Is(err, ErrInProgress):
		// An in-progress DNS resolution resolves before the next
		// retransmit re-drives the send.
		return nil
	default:
		return errtrace.Wrap(err)
	}
}

// Retransmits returns how many wire retransmissions were scheduled.
func (tx *transact) Retransmits() int { return tx.retransmits }

func (tx *transact) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", string(tx.key)),
		slog.String("type", string(tx.typ)),
		slog.String("ptr", fmt.Sprintf("%p", tx)),
	)
}
